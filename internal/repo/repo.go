package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"workyield/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const orderColumns = `id,number,customer_name,customer_address,customer_phone,service_type,priority,category,description,instructions,cost,scheduled_date,job_status,to_be_tokenized,token_status,report_ref,minted_quantity,token_memo,units_json,misc_json,labor_json,margin_percent,customer_price,created_at,updated_at,completed_at,tokenized_at`

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.WorkOrder) error {
	unitsJSON, miscJSON, laborJSON, err := marshalOrderParts(o)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Number, o.Customer.Name, nullable(o.Customer.Address), nullable(o.Customer.Phone),
		nullable(o.ServiceType), nullable(o.Priority), nullable(o.Category), nullable(o.Description), nullable(o.Instructions),
		o.Cost, nullable(o.ScheduledDate), o.JobStatus, boolInt(o.ToBeTokenized), o.TokenStatus,
		nullableStringPtr(o.ReportRef), nullableFloatPtr(o.MintedQuantity), nullableStringPtr(o.TokenMemo),
		unitsJSON, miscJSON, laborJSON, o.MarginPercent, o.CustomerPrice,
		o.CreatedAt, o.UpdatedAt, nullableStringPtr(o.CompletedAt), nullableStringPtr(o.TokenizedAt))
	return err
}

func (r Repo) UpdateOrder(ctx context.Context, tx *sql.Tx, o domain.WorkOrder) error {
	unitsJSON, miscJSON, laborJSON, err := marshalOrderParts(o)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE orders SET number=?, customer_name=?, customer_address=?, customer_phone=?,
service_type=?, priority=?, category=?, description=?, instructions=?, cost=?, scheduled_date=?,
job_status=?, to_be_tokenized=?, token_status=?, report_ref=?, minted_quantity=?, token_memo=?,
units_json=?, misc_json=?, labor_json=?, margin_percent=?, customer_price=?,
updated_at=?, completed_at=?, tokenized_at=? WHERE id=?`,
		o.Number, o.Customer.Name, nullable(o.Customer.Address), nullable(o.Customer.Phone),
		nullable(o.ServiceType), nullable(o.Priority), nullable(o.Category), nullable(o.Description), nullable(o.Instructions),
		o.Cost, nullable(o.ScheduledDate), o.JobStatus, boolInt(o.ToBeTokenized), o.TokenStatus,
		nullableStringPtr(o.ReportRef), nullableFloatPtr(o.MintedQuantity), nullableStringPtr(o.TokenMemo),
		unitsJSON, miscJSON, laborJSON, o.MarginPercent, o.CustomerPrice,
		o.UpdatedAt, nullableStringPtr(o.CompletedAt), nullableStringPtr(o.TokenizedAt), o.ID)
	return err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	return scanOrderRow(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkOrder, error) {
	return scanOrderRow(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) DeleteOrder(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type OrderFilters struct {
	JobStatus       string
	TokenStatus     string
	Customer        string
	Number          string
	Tokenizable     bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.WorkOrder, error) {
	var clauses []string
	var args []any
	if f.JobStatus != "" {
		clauses = append(clauses, "job_status=?")
		args = append(args, f.JobStatus)
	}
	if f.TokenStatus != "" {
		clauses = append(clauses, "token_status=?")
		args = append(args, f.TokenStatus)
	}
	if f.Customer != "" {
		clauses = append(clauses, "customer_name LIKE ?")
		args = append(args, "%"+f.Customer+"%")
	}
	if f.Number != "" {
		clauses = append(clauses, "number=?")
		args = append(args, f.Number)
	}
	if f.Tokenizable {
		clauses = append(clauses, "to_be_tokenized=1")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) CountOrdersByJobStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_status, count(*) FROM orders GROUP BY job_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrderRow(row *sql.Row) (domain.WorkOrder, error) {
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func scanOrder(row rowScanner) (domain.WorkOrder, error) {
	var o domain.WorkOrder
	var address, phone, serviceType, priority, category, description, instructions sql.NullString
	var scheduledDate, reportRef, tokenMemo, unitsJSON, miscJSON, laborJSON, completedAt, tokenizedAt sql.NullString
	var minted sql.NullFloat64
	var tokenizable int
	err := row.Scan(&o.ID, &o.Number, &o.Customer.Name, &address, &phone, &serviceType, &priority, &category,
		&description, &instructions, &o.Cost, &scheduledDate, &o.JobStatus, &tokenizable, &o.TokenStatus,
		&reportRef, &minted, &tokenMemo, &unitsJSON, &miscJSON, &laborJSON, &o.MarginPercent, &o.CustomerPrice,
		&o.CreatedAt, &o.UpdatedAt, &completedAt, &tokenizedAt)
	if err != nil {
		return o, err
	}
	o.Customer.Address = address.String
	o.Customer.Phone = phone.String
	o.ServiceType = serviceType.String
	o.Priority = priority.String
	o.Category = category.String
	o.Description = description.String
	o.Instructions = instructions.String
	o.ScheduledDate = scheduledDate.String
	o.ToBeTokenized = tokenizable != 0
	if reportRef.Valid {
		o.ReportRef = &reportRef.String
	}
	if minted.Valid {
		o.MintedQuantity = &minted.Float64
	}
	if tokenMemo.Valid {
		o.TokenMemo = &tokenMemo.String
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.String
	}
	if tokenizedAt.Valid {
		o.TokenizedAt = &tokenizedAt.String
	}
	if unitsJSON.Valid && unitsJSON.String != "" {
		if err := json.Unmarshal([]byte(unitsJSON.String), &o.Units); err != nil {
			return o, fmt.Errorf("decode units: %w", err)
		}
	}
	if miscJSON.Valid && miscJSON.String != "" {
		if err := json.Unmarshal([]byte(miscJSON.String), &o.Misc); err != nil {
			return o, fmt.Errorf("decode misc: %w", err)
		}
	}
	if laborJSON.Valid && laborJSON.String != "" {
		if err := json.Unmarshal([]byte(laborJSON.String), &o.Labor); err != nil {
			return o, fmt.Errorf("decode labor: %w", err)
		}
	}
	return o, nil
}

func marshalOrderParts(o domain.WorkOrder) (units, misc, labor string, err error) {
	u, err := json.Marshal(o.Units)
	if err != nil {
		return "", "", "", err
	}
	m, err := json.Marshal(o.Misc)
	if err != nil {
		return "", "", "", err
	}
	l, err := json.Marshal(o.Labor)
	if err != nil {
		return "", "", "", err
	}
	return string(u), string(m), string(l), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
