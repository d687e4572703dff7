package db

import (
	"strconv"
	"strings"
)

// VectorLiteral renders a float slice in pgvector's input syntax, e.g.
// "[0.1,0.2]". pgx has no native codec for the vector type, so values cross
// the wire as text.
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
