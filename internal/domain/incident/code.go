package incident

import (
	"context"
	"fmt"
	"time"
)

// CodeGenerator hands out human readable incident codes, unique per day.
type CodeGenerator interface {
	Next(ctx context.Context, day time.Time) (string, error)
}

// FormatCode renders PREFIX-YYYYMMDD-NNNN. The sequence widens past 9999
// rather than wrapping.
func FormatCode(prefix string, day time.Time, seq int) string {
	if prefix == "" {
		prefix = "HI"
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, day.Format("20060102"), seq)
}
