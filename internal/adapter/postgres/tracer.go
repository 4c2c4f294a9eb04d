package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// QueryObserver receives the outcome of each traced query.
type QueryObserver interface {
	ObserveQuery(query string, d time.Duration, err error)
}

// QueryTracer implements pgx.QueryTracer and reports query timings.
type QueryTracer struct {
	observer QueryObserver
}

var _ pgx.QueryTracer = (*QueryTracer)(nil)

func NewQueryTracer(observer QueryObserver) *QueryTracer {
	return &QueryTracer{observer: observer}
}

type queryContextKey struct{}

type queryContext struct {
	start time.Time
	name  string
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryContextKey{}, queryContext{start: time.Now(), name: statementKind(data.SQL)})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qctx, ok := ctx.Value(queryContextKey{}).(queryContext)
	if !ok {
		return
	}
	t.observer.ObserveQuery(qctx.name, time.Since(qctx.start), data.Err)
}

// statementKind keeps metric labels low-cardinality: only the leading
// keyword of the statement is used.
func statementKind(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToUpper(fields[0])
}
