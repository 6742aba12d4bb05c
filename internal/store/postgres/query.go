package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// listQuery accumulates WHERE conditions and positional arguments for the
// paginated list endpoints.
type listQuery struct {
	where []string
	args  []any
}

func (q *listQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

// cond adds a condition; each %s in format is replaced by a placeholder for
// the matching value.
func (q *listQuery) cond(format string, vals ...any) {
	ph := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = q.arg(v)
	}
	q.where = append(q.where, fmt.Sprintf(format, ph...))
}

// timeRange filters column by opts.Since and opts.Until, both inclusive.
func (q *listQuery) timeRange(column string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.cond(column+" >= %s", *opts.Since)
	}
	if opts.Until != nil {
		q.cond(column+" <= %s", *opts.Until)
	}
}

// build renders "<base> WHERE ... ORDER BY ... LIMIT ... OFFSET ...".
func (q *listQuery) build(base, orderBy string, opts domain.ListOpts) string {
	var b strings.Builder
	b.WriteString(base)
	if len(q.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.where, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(orderBy)
	if opts.Limit > 0 {
		b.WriteString(" LIMIT " + q.arg(opts.Limit))
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET " + q.arg(opts.Offset))
	}
	return b.String()
}
