package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"theatrum/internal/domain"
)

// Repo stores console executions.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ExecutionFilters narrow ListExecutions.
type ExecutionFilters struct {
	Method string
	Entity string
	Failed bool
	Limit  int
}

const executionColumns = `id,ts,method,entity,roles_json,params_json,result_json,error_code,error_msg,metrics_json,trace_json,duration_ms`

func (r Repo) InsertExecution(ctx context.Context, e domain.Execution) error {
	if e.ID == "" {
		return errors.New("id required")
	}
	if e.Method == "" {
		return errors.New("method required")
	}
	roles, err := marshal(e.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	if roles == nil {
		roles = "[]"
	}
	params, err := marshal(e.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	result, err := marshal(e.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	metrics, err := marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	trace, err := marshal(e.Trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	var code, msg any
	if e.Error != nil {
		code, msg = e.Error.Code, e.Error.Message
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO executions(`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TS, e.Method, e.Entity, roles, params, result, code, msg, metrics, trace, e.DurationMS)
	return err
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id)
	if err != nil {
		return domain.Execution{}, err
	}
	defer rows.Close()
	items, err := scanExecutions(rows)
	if err != nil {
		return domain.Execution{}, err
	}
	if len(items) == 0 {
		return domain.Execution{}, ErrNotFound
	}
	return items[0], nil
}

// ListExecutions returns the newest executions first.
func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Method != "" {
		clauses = append(clauses, "method=?")
		args = append(args, f.Method)
	}
	if f.Entity != "" {
		clauses = append(clauses, "entity=?")
		args = append(args, f.Entity)
	}
	if f.Failed {
		clauses = append(clauses, "error_code IS NOT NULL")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM executions %s ORDER BY ts DESC, rowid DESC LIMIT ?`, executionColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// PruneExecutions keeps the newest keep executions and deletes the rest.
func (r Repo) PruneExecutions(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM executions WHERE rowid NOT IN (
SELECT rowid FROM executions ORDER BY ts DESC, rowid DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanExecutions(rows *sql.Rows) ([]domain.Execution, error) {
	var res []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var roles string
		var params, result, msg, metrics, trace sql.NullString
		var code sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &e.Method, &e.Entity, &roles, &params, &result, &code, &msg, &metrics, &trace, &e.DurationMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(roles), &e.Roles); err != nil {
			return nil, fmt.Errorf("execution %s roles: %w", e.ID, err)
		}
		if err := unmarshal(params, &e.Params); err != nil {
			return nil, fmt.Errorf("execution %s params: %w", e.ID, err)
		}
		if err := unmarshal(result, &e.Result); err != nil {
			return nil, fmt.Errorf("execution %s result: %w", e.ID, err)
		}
		if err := unmarshal(metrics, &e.Metrics); err != nil {
			return nil, fmt.Errorf("execution %s metrics: %w", e.ID, err)
		}
		if err := unmarshal(trace, &e.Trace); err != nil {
			return nil, fmt.Errorf("execution %s trace: %w", e.ID, err)
		}
		if code.Valid {
			e.Error = &domain.ErrorBody{Code: int(code.Int64), Message: msg.String}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// marshal returns nil for nil values so the column stays NULL.
func marshal(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		if t == nil {
			return nil, nil
		}
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case []domain.TraceEvent:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshal(s sql.NullString, out any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), out)
}
