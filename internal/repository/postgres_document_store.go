package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/lib/pq"
)

// NotifyChannel はdocumentsテーブルのトリガーが変更を通知するチャネル名。
// ペイロードは "<collection>/<key>"。
const NotifyChannel = "documents"

// PostgresDocumentStore はdocumentsテーブル（JSONB）を使用したdocstore.Store実装。
//
// 書き込みはトリガーによりpg_notifyされ、pq.Listenerで受信した変更を
// 該当する購読に配送する。他プロセスからの書き込みも同じ経路で反映される。
//
// ServerTimestampはDB側のdocument_clock_tick()で解決する。
// api・workerなど複数プロセスが同じストアに書き込んでも狭義単調増加する。
type PostgresDocumentStore struct {
	db       *sql.DB
	watchers *docstore.Watchers
	listener *pq.Listener
	logger   *slog.Logger
	done     chan struct{}
}

// NewPostgresDocumentStore はPostgresDocumentStoreを生成し、変更通知の受信を開始する。
// databaseURLはLISTEN専用接続に使用する。
func NewPostgresDocumentStore(db *sql.DB, databaseURL string, logger *slog.Logger) (*PostgresDocumentStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresDocumentStore{
		db:       db,
		watchers: docstore.NewWatchers(0, logger),
		logger:   logger,
		done:     make(chan struct{}),
	}

	s.listener = pq.NewListener(databaseURL, 10*time.Second, time.Minute, s.onListenerEvent)
	if err := s.listener.Listen(NotifyChannel); err != nil {
		s.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	go s.dispatch()
	return s, nil
}

func (s *PostgresDocumentStore) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventReconnected:
		s.logger.Info("document listener reconnected")
		// 切断中の変更を取りこぼしている可能性がある
		s.watchers.NotifyAll()
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		if err != nil {
			s.logger.Warn("document listener connection problem", slog.String("error", err.Error()))
		}
	}
}

// dispatch は通知を受信して購読に配送する。
func (s *PostgresDocumentStore) dispatch() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				s.watchers.NotifyAll()
				continue
			}
			collection, key, found := strings.Cut(n.Extra, "/")
			if !found {
				s.logger.Warn("malformed document notification", slog.String("payload", n.Extra))
				continue
			}
			s.watchers.Notify(collection, key)
		case <-ping.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logger.Warn("document listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// Get はドキュメントを取得する。存在しない場合はnil, nilを返す。
func (s *PostgresDocumentStore) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	var raw []byte
	doc := &docstore.Document{Collection: collection, Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, created_at, updated_at FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&raw, &doc.CreateTime, &doc.UpdateTime)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	if doc.Fields, err = decodeFields(raw); err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return doc, nil
}

// Set はドキュメントを作成または全体を上書きする。
func (s *PostgresDocumentStore) Set(ctx context.Context, collection, key string, fields docstore.Fields) error {
	now, err := serverTime(ctx, s.db)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", collection, key, err)
	}
	raw, err := encodeNew(fields, now)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", collection, key, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, key, fields, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (collection, key)
		 DO UPDATE SET fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at`,
		collection, key, raw, now,
	)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", collection, key, err)
	}
	s.watchers.Notify(collection, key)
	return nil
}

// Create はドキュメントが存在しない場合のみ作成する。
func (s *PostgresDocumentStore) Create(ctx context.Context, collection, key string, fields docstore.Fields) (bool, error) {
	now, err := serverTime(ctx, s.db)
	if err != nil {
		return false, fmt.Errorf("failed to create %s/%s: %w", collection, key, err)
	}
	raw, err := encodeNew(fields, now)
	if err != nil {
		return false, fmt.Errorf("failed to create %s/%s: %w", collection, key, err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, key, fields, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (collection, key) DO NOTHING`,
		collection, key, raw, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create %s/%s: %w", collection, key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	s.watchers.Notify(collection, key)
	return true, nil
}

// Add は生成したキーでドキュメントを作成する。
func (s *PostgresDocumentStore) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	key := uuid.New().String()
	if _, err := s.Create(ctx, collection, key, fields); err != nil {
		return "", err
	}
	return key, nil
}

// Update は既存ドキュメントにフィールドをマージする。
// 行ロックを取ってから配列操作を適用するため、同一ドキュメントへの同時更新を取りこぼさない。
func (s *PostgresDocumentStore) Update(ctx context.Context, collection, key string, patch docstore.Fields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT fields FROM documents WHERE collection = $1 AND key = $2 FOR UPDATE`,
		collection, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("failed to update %s/%s: %w", collection, key, docstore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock %s/%s: %w", collection, key, err)
	}

	current, err := decodeFields(raw)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, key, err)
	}
	// 行ロックの後に時刻を取るため、同じドキュメントの更新時刻は適用順に並ぶ
	now, err := serverTime(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, key, err)
	}
	merged, err := docstore.ApplyPatch(current, patch, now)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, key, err)
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, key, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET fields = $3, updated_at = $4 WHERE collection = $1 AND key = $2`,
		collection, key, encoded, now,
	); err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.watchers.Notify(collection, key)
	return nil
}

// Query はクエリを1回だけ実行する。
// 文字列の一致条件はJSONBの包含演算子でDB側に渡し、並び替えはq.Applyで行う。
func (s *PostgresDocumentStore) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	sqlText, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var raw []byte
		d := docstore.Document{Collection: q.Collection}
		if err := rows.Scan(&d.Key, &raw, &d.CreateTime, &d.UpdateTime); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", q.Collection, err)
		}
		if d.Fields, err = decodeFields(raw); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", q.Collection, d.Key, err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", q.Collection, err)
	}
	return q.Apply(docs), nil
}

// SubscribeQuery はクエリ結果の購読を開始する。
func (s *PostgresDocumentStore) SubscribeQuery(q docstore.Query, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("onSnapshot is required")
	}
	return s.watchers.WatchQuery(q, func(ctx context.Context) ([]docstore.Document, error) {
		return s.Query(ctx, q)
	}, onSnapshot, onError), nil
}

// SubscribeDocument は単一ドキュメントの購読を開始する。
func (s *PostgresDocumentStore) SubscribeDocument(collection, key string, onSnapshot docstore.DocumentFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("onSnapshot is required")
	}
	return s.watchers.WatchDocument(collection, key, func(ctx context.Context) (*docstore.Document, error) {
		return s.Get(ctx, collection, key)
	}, onSnapshot, onError), nil
}

// Subscriptions は有効な購読数を返す。
func (s *PostgresDocumentStore) Subscriptions() int {
	return s.watchers.Len()
}

// Close は変更通知の受信を止め、すべての購読を終了する。
func (s *PostgresDocumentStore) Close() error {
	close(s.done)
	s.watchers.Close()
	if err := s.listener.Close(); err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

// buildQuery はクエリのSQLと引数を組み立てる。
func buildQuery(q docstore.Query) (string, []any, error) {
	containment := map[string]any{}
	for _, f := range q.Filters {
		s, ok := f.Value.(string)
		if !ok {
			continue
		}
		switch f.Op {
		case docstore.OpEqual:
			containment[f.Field] = s
		case docstore.OpArrayContains:
			containment[f.Field] = []string{s}
		}
	}

	sqlText := `SELECT key, fields, created_at, updated_at FROM documents WHERE collection = $1`
	args := []any{q.Collection}
	if len(containment) > 0 {
		b, err := json.Marshal(containment)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode filters: %w", err)
		}
		sqlText += ` AND fields @> $2::jsonb`
		args = append(args, b)
	}
	return sqlText, args, nil
}

// rowQuerier は*sql.DBと*sql.Txの共通部分。
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// serverTime はストア共有の時計から時刻を1つ払い出す。
// Set/Createでは単独の文で呼び、時計の行ロックを持ったまま他の行を待たない。
func serverTime(ctx context.Context, q rowQuerier) (time.Time, error) {
	var t time.Time
	if err := q.QueryRowContext(ctx, `SELECT document_clock_tick()`).Scan(&t); err != nil {
		return time.Time{}, fmt.Errorf("failed to read store clock: %w", err)
	}
	return t.UTC(), nil
}

func encodeNew(fields docstore.Fields, now time.Time) ([]byte, error) {
	resolved, err := docstore.ResolveNew(fields, now)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func decodeFields(raw []byte) (docstore.Fields, error) {
	var fields docstore.Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid document body: %w", err)
	}
	if fields == nil {
		fields = docstore.Fields{}
	}
	return fields, nil
}

// compile-time interface check
var _ docstore.Store = (*PostgresDocumentStore)(nil)
