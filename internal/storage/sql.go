package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pewcast/internal/campaign"
	logx "pewcast/pkg/logx"
)

// dialect captures the few differences between sqlite and postgres.
type dialect struct {
	name       string
	dollarArgs bool
}

var (
	dialectSQLite   = dialect{name: "sqlite"}
	dialectPostgres = dialect{name: "postgres", dollarArgs: true}
)

// rebind rewrites ? placeholders to $n when the dialect needs it.
func (d dialect) rebind(q string) string {
	if !d.dollarArgs {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements Store on database/sql for both dialects.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log.With(logx.String("comp", "storage"), logx.String("driver", d.name))}
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(q), args...)
	return err
}

func (s *sqlStore) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT data FROM campaigns WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c campaign.Campaign
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("decode campaign %s: %w", id, err)
	}
	return &c, nil
}

func (s *sqlStore) SaveCampaign(ctx context.Context, c *campaign.Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode campaign %s: %w", c.ID, err)
	}
	return s.exec(ctx,
		`INSERT INTO campaigns (id, status, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`,
		c.ID, string(c.Status), string(data), toMillis(c.UpdatedAt),
	)
}

func (s *sqlStore) ListCampaigns(ctx context.Context, statuses ...campaign.Status) ([]*campaign.Campaign, error) {
	q := `SELECT data FROM campaigns`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		q += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c campaign.Campaign
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			s.log.Warn("skipping undecodable campaign", logx.Err(err))
			continue
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendTransition(ctx context.Context, tr campaign.Transition) error {
	return s.exec(ctx,
		`INSERT INTO campaign_transitions (campaign_id, cycle_id, from_status, to_status, event, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.CampaignID, nullStr(tr.CycleID), string(tr.From), string(tr.To), string(tr.Event), nullStr(tr.Reason), toMillis(tr.At),
	)
}

func (s *sqlStore) ListTransitions(ctx context.Context, campaignID string) ([]campaign.Transition, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT cycle_id, from_status, to_status, event, reason, at FROM campaign_transitions
		 WHERE campaign_id = ? ORDER BY id`), campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Transition
	for rows.Next() {
		var (
			cycleID, reason  sql.NullString
			from, to, event string
			at               int64
		)
		if err := rows.Scan(&cycleID, &from, &to, &event, &reason, &at); err != nil {
			return nil, err
		}
		out = append(out, campaign.Transition{
			CampaignID: campaignID,
			CycleID:    cycleID.String,
			From:       campaign.Status(from),
			To:         campaign.Status(to),
			Event:      campaign.Event(event),
			Reason:     reason.String,
			At:         fromMillis(at),
		})
	}
	return out, rows.Err()
}

func (s *sqlStore) PutCycle(ctx context.Context, cy campaign.Cycle) error {
	return s.exec(ctx,
		`INSERT INTO campaign_cycles (id, campaign_id, seq, message_ref, status, total, sent, delivered, read_count, failed, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, total = excluded.total, sent = excluded.sent,
		   delivered = excluded.delivered, read_count = excluded.read_count, failed = excluded.failed,
		   finished_at = excluded.finished_at`,
		cy.ID, cy.CampaignID, cy.Seq, cy.MessageRef, string(cy.Status),
		cy.Stats.Total, cy.Stats.Sent, cy.Stats.Delivered, cy.Stats.Read, cy.Stats.Failed,
		toMillis(cy.StartedAt), toMillis(cy.FinishedAt),
	)
}

func (s *sqlStore) GetCycle(ctx context.Context, id string) (campaign.Cycle, error) {
	var (
		cy              campaign.Cycle
		status          string
		started, finish int64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, campaign_id, seq, message_ref, status, total, sent, delivered, read_count, failed, started_at, finished_at
		 FROM campaign_cycles WHERE id = ?`), id).Scan(
		&cy.ID, &cy.CampaignID, &cy.Seq, &cy.MessageRef, &status,
		&cy.Stats.Total, &cy.Stats.Sent, &cy.Stats.Delivered, &cy.Stats.Read, &cy.Stats.Failed,
		&started, &finish,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Cycle{}, ErrNotFound
	}
	if err != nil {
		return campaign.Cycle{}, err
	}
	cy.Status = campaign.Status(status)
	cy.StartedAt = fromMillis(started)
	cy.FinishedAt = fromMillis(finish)
	return cy, nil
}

func (s *sqlStore) PutRecipients(ctx context.Context, cycleID string, contactIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM cycle_recipients WHERE cycle_id = ?`), cycleID); err != nil {
		_ = tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.d.rebind(`INSERT INTO cycle_recipients (cycle_id, position, contact_id) VALUES (?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i, id := range contactIDs {
		if _, err := stmt.ExecContext(ctx, cycleID, i, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert recipient %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Recipients(ctx context.Context, cycleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT contact_id FROM cycle_recipients WHERE cycle_id = ? ORDER BY position`), cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		// An empty set is stored as a cycle with total 0; distinguish it from
		// a cycle that was never resolved.
		if _, err := s.GetCycle(ctx, cycleID); err != nil {
			return nil, err
		}
		out = []string{}
	}
	return out, nil
}

func (s *sqlStore) PutOutcome(ctx context.Context, o campaign.Outcome) error {
	return s.exec(ctx,
		`INSERT INTO cycle_outcomes (cycle_id, contact_id, result, failure_reason, attempts, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cycle_id, contact_id) DO UPDATE SET result = excluded.result,
		   failure_reason = excluded.failure_reason, attempts = excluded.attempts, attempted_at = excluded.attempted_at`,
		o.CycleID, o.ContactID, string(o.Result), nullStr(o.FailureReason), o.Attempts, toMillis(o.AttemptedAt),
	)
}

const outcomeCols = `cycle_id, contact_id, result, failure_reason, attempts, attempted_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanOutcome(r rowScanner) (campaign.Outcome, error) {
	var (
		o      campaign.Outcome
		result string
		reason sql.NullString
		at     int64
	)
	if err := r.Scan(&o.CycleID, &o.ContactID, &result, &reason, &o.Attempts, &at); err != nil {
		return campaign.Outcome{}, err
	}
	o.Result = campaign.Result(result)
	o.FailureReason = reason.String
	o.AttemptedAt = fromMillis(at)
	return o, nil
}

func (s *sqlStore) GetOutcome(ctx context.Context, cycleID, contactID string) (campaign.Outcome, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+outcomeCols+` FROM cycle_outcomes WHERE cycle_id = ? AND contact_id = ?`), cycleID, contactID)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Outcome{}, ErrNotFound
	}
	return o, err
}

func (s *sqlStore) Outcomes(ctx context.Context, cycleID string) ([]campaign.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+outcomeCols+` FROM cycle_outcomes WHERE cycle_id = ? ORDER BY contact_id`), cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListActiveContacts(ctx context.Context) ([]Contact, error) {
	return s.queryContacts(ctx, `SELECT id, active, tags, attributes FROM contacts WHERE active = 1 ORDER BY id`)
}

func (s *sqlStore) GetContactsByIDs(ctx context.Context, ids []string) ([]Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return s.queryContacts(ctx,
		`SELECT id, active, tags, attributes FROM contacts WHERE id IN (`+strings.Join(marks, ", ")+`) ORDER BY id`, args...)
}

func (s *sqlStore) queryContacts(ctx context.Context, q string, args ...any) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var (
			c            Contact
			active       int64
			tags, attrsS string
		)
		if err := rows.Scan(&c.ID, &active, &tags, &attrsS); err != nil {
			return nil, err
		}
		c.Active = active != 0
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of contact %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(attrsS), &c.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of contact %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutContact(ctx context.Context, c Contact) error {
	tags, err := json.Marshal(nonNilStrings(c.Tags))
	if err != nil {
		return err
	}
	attrs := c.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsB, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		`INSERT INTO contacts (id, active, tags, attributes) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET active = excluded.active, tags = excluded.tags, attributes = excluded.attributes`,
		c.ID, boolInt(c.Active), string(tags), string(attrsB),
	)
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (Message, error) {
	var (
		m         Message
		parseMode sql.NullString
		noPreview int64
	)
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, text, parse_mode, disable_preview FROM messages WHERE id = ?`), id).Scan(&m.ID, &m.Text, &parseMode, &noPreview)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	m.ParseMode = parseMode.String
	m.DisableWebPagePreview = noPreview != 0
	return m, nil
}

func (s *sqlStore) PutMessage(ctx context.Context, m Message) error {
	return s.exec(ctx,
		`INSERT INTO messages (id, text, parse_mode, disable_preview) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET text = excluded.text, parse_mode = excluded.parse_mode, disable_preview = excluded.disable_preview`,
		m.ID, m.Text, nullStr(m.ParseMode), boolInt(m.DisableWebPagePreview),
	)
}

func (s *sqlStore) HasRead(ctx context.Context, contactID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT 1 FROM cycle_outcomes o JOIN campaign_cycles c ON c.id = o.cycle_id
		 WHERE o.contact_id = ? AND c.message_ref = ? AND o.result = ? LIMIT 1`),
		contactID, messageID, string(campaign.ResultRead)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
