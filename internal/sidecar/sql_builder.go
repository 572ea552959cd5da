package sidecar

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Dialect SQL方言
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// placeholder 返回第n个参数占位符（从1开始）
func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SelectBuilder SELECT查询构建器
type SelectBuilder struct {
	dialect    Dialect
	table      string
	cols       []string
	whereConds []string
	args       []interface{}
	forUpdate  bool
}

// NewSelectBuilder 创建新的SELECT查询构建器
func NewSelectBuilder(dialect Dialect, table string, cols ...string) *SelectBuilder {
	if len(cols) == 0 {
		cols = []string{"*"}
	}
	return &SelectBuilder{dialect: dialect, table: table, cols: cols}
}

// Where 添加WHERE条件，条件中的 ? 按方言替换
func (b *SelectBuilder) Where(condition string, args ...interface{}) *SelectBuilder {
	b.whereConds = append(b.whereConds, bindPlaceholders(b.dialect, condition, len(b.args)))
	b.args = append(b.args, args...)
	return b
}

// ForUpdate 追加行锁（仅postgres生效）
func (b *SelectBuilder) ForUpdate() *SelectBuilder {
	b.forUpdate = true
	return b
}

// Build 构建SQL语句
func (b *SelectBuilder) Build() string {
	var query strings.Builder
	query.WriteString("SELECT ")
	query.WriteString(strings.Join(b.cols, ", "))
	query.WriteString(" FROM " + b.table)
	if len(b.whereConds) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(b.whereConds, " AND "))
	}
	if b.forUpdate && b.dialect == DialectPostgres {
		query.WriteString(" FOR UPDATE")
	}
	return query.String()
}

// Args 获取参数
func (b *SelectBuilder) Args() []interface{} {
	return b.args
}

// QueryRow 执行并返回单行
func (b *SelectBuilder) QueryRow(ctx context.Context, q querier) *sql.Row {
	return q.QueryRowContext(ctx, b.Build(), b.args...)
}

// UpsertBuilder INSERT ... ON CONFLICT DO UPDATE 构建器
type UpsertBuilder struct {
	dialect  Dialect
	table    string
	cols     []string
	args     []interface{}
	conflict []string
}

// NewUpsertBuilder 创建UPSERT构建器
func NewUpsertBuilder(dialect Dialect, table string) *UpsertBuilder {
	return &UpsertBuilder{dialect: dialect, table: table}
}

// Set 设置列值
func (u *UpsertBuilder) Set(col string, val interface{}) *UpsertBuilder {
	u.cols = append(u.cols, col)
	u.args = append(u.args, val)
	return u
}

// OnConflict 冲突列
func (u *UpsertBuilder) OnConflict(cols ...string) *UpsertBuilder {
	u.conflict = append(u.conflict, cols...)
	return u
}

// Build 构建UPSERT语句
func (u *UpsertBuilder) Build() string {
	var query strings.Builder
	query.WriteString("INSERT INTO " + u.table)
	query.WriteString(" (" + strings.Join(u.cols, ", ") + ")")

	placeholders := make([]string, len(u.cols))
	for i := range placeholders {
		placeholders[i] = u.dialect.placeholder(i + 1)
	}
	query.WriteString(" VALUES (" + strings.Join(placeholders, ", ") + ")")

	if len(u.conflict) > 0 {
		query.WriteString(" ON CONFLICT (" + strings.Join(u.conflict, ", ") + ") DO UPDATE SET ")
		var sets []string
		for _, col := range u.cols {
			if containsString(u.conflict, col) {
				continue
			}
			sets = append(sets, col+" = excluded."+col)
		}
		query.WriteString(strings.Join(sets, ", "))
	}
	return query.String()
}

// Exec 执行
func (u *UpsertBuilder) Exec(ctx context.Context, q querier) (sql.Result, error) {
	return q.ExecContext(ctx, u.Build(), u.args...)
}

// DeleteBuilder DELETE构建器
type DeleteBuilder struct {
	dialect    Dialect
	table      string
	conditions []string
	args       []interface{}
}

// NewDeleteBuilder 创建DELETE构建器
func NewDeleteBuilder(dialect Dialect, table string) *DeleteBuilder {
	return &DeleteBuilder{dialect: dialect, table: table}
}

// Where 添加条件，多个条件以OR连接
func (d *DeleteBuilder) Where(condition string, args ...interface{}) *DeleteBuilder {
	d.conditions = append(d.conditions, bindPlaceholders(d.dialect, condition, len(d.args)))
	d.args = append(d.args, args...)
	return d
}

// Build 构建DELETE语句
func (d *DeleteBuilder) Build() string {
	query := "DELETE FROM " + d.table
	if len(d.conditions) > 0 {
		query += " WHERE " + strings.Join(d.conditions, " OR ")
	}
	return query
}

// Exec 执行
func (d *DeleteBuilder) Exec(ctx context.Context, q querier) (sql.Result, error) {
	return q.ExecContext(ctx, d.Build(), d.args...)
}

// bindPlaceholders 把条件中的 ? 替换为方言占位符，从 offset+1 开始编号
func bindPlaceholders(dialect Dialect, condition string, offset int) string {
	if dialect != DialectPostgres {
		return condition
	}
	var out strings.Builder
	n := offset
	for _, r := range condition {
		if r == '?' {
			n++
			out.WriteString(dialect.placeholder(n))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

// escapeLike 转义LIKE模式中的特殊字符
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
