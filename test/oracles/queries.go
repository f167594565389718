package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists invariants that must hold at every commit point. Each query
// returns rows only when its invariant is violated.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_no_negative_balance",
			SQL:  `SELECT account_id, currency, amount FROM balances WHERE amount < 0`,
		},
		{
			Name: "O2_transfer_entries_balance",
			SQL: `SELECT e.transfer_id,
                         SUM(e.amount) FILTER (WHERE e.direction = 'DEBIT')  AS debits,
                         SUM(e.amount) FILTER (WHERE e.direction = 'CREDIT') AS credits
                  FROM entries e JOIN transfers t ON t.id = e.transfer_id
                  WHERE t.from_account IS NOT NULL
                  GROUP BY e.transfer_id
                  HAVING COALESCE(SUM(e.amount) FILTER (WHERE e.direction = 'DEBIT'), 0)
                      <> COALESCE(SUM(e.amount) FILTER (WHERE e.direction = 'CREDIT'), 0)`,
		},
		{
			Name: "O3_value_conserved",
			SQL: `WITH minted AS (
                      SELECT currency, SUM(amount) AS total FROM transfers
                      WHERE from_account IS NULL GROUP BY currency),
                  held AS (
                      SELECT currency, SUM(amount) AS total FROM balances GROUP BY currency)
                  SELECT m.currency, m.total AS minted, COALESCE(h.total, 0) AS held
                  FROM minted m LEFT JOIN held h ON h.currency = m.currency
                  WHERE m.total <> COALESCE(h.total, 0)`,
		},
		{
			Name: "O4_single_execution",
			SQL: `SELECT agreement_id, COUNT(*) FROM rental_timeline
                  WHERE type = 'AGREEMENT_EXECUTED'
                  GROUP BY agreement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_rent_after_execution",
			SQL: `SELECT r.agreement_id, r.seq FROM rental_timeline r
                  WHERE r.type = 'RENT_PAID'
                    AND NOT EXISTS (
                        SELECT 1 FROM rental_timeline x
                        WHERE x.agreement_id = r.agreement_id
                          AND x.type = 'AGREEMENT_EXECUTED'
                          AND x.seq < r.seq)`,
		},
		{
			Name: "O6_nothing_after_termination",
			SQL: `SELECT e.agreement_id, e.seq, e.type FROM rental_timeline e
                  JOIN rental_timeline t
                    ON t.agreement_id = e.agreement_id AND t.type = 'AGREEMENT_TERMINATED'
                  WHERE e.seq > t.seq`,
		},
		{
			Name: "O7_timeline_seq_dense",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY seq) AS prev
                      FROM rental_timeline)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O8_counter_ahead_of_ids",
			SQL: `SELECT a.id FROM rental_agreements a
                  WHERE a.id > COALESCE((SELECT value FROM rental_counters WHERE key = 'agreement_id'), 0)`,
		},
		{
			Name: "O9_terminated_absent",
			SQL: `SELECT a.id FROM rental_agreements a
                  JOIN rental_timeline t ON t.agreement_id = a.id AND t.type = 'AGREEMENT_TERMINATED'`,
		},
		{
			Name: "O10_executed_flag_matches_timeline",
			SQL: `SELECT a.id, a.executed FROM rental_agreements a
                  WHERE a.executed <> EXISTS (
                      SELECT 1 FROM rental_timeline t
                      WHERE t.agreement_id = a.id AND t.type = 'AGREEMENT_EXECUTED')`,
		},
		{
			Name: "O11_money_moves_with_events",
			SQL: `WITH moved AS (
                      SELECT COUNT(*) AS n, COALESCE(SUM(amount), 0) AS total
                      FROM transfers WHERE from_account IS NOT NULL),
                  recorded AS (
                      SELECT COUNT(*) AS n, COALESCE(SUM((payload->>'amount')::bigint), 0) AS total
                      FROM rental_timeline
                      WHERE type IN ('AGREEMENT_EXECUTED', 'RENT_PAID', 'DEPOSIT_REFUNDED'))
                  SELECT moved.n, moved.total, recorded.n, recorded.total
                  FROM moved, recorded
                  WHERE moved.n <> recorded.n OR moved.total <> recorded.total`,
		},
		{
			Name: "O12_distinct_parties",
			SQL:  `SELECT id FROM rental_agreements WHERE landlord = tenant`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
