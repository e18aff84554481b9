package api

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/haisou/pkg/migration"
	"github.com/nao1215/haisou/pkg/push"
	"github.com/nao1215/haisou/pkg/session"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound は対象のレコードが存在しないことを表す。
var ErrNotFound = errors.New("レコードが見つかりません")

// User はユーザーのレコード。
type User struct {
	ID          string
	Role        session.Role
	DisplayName string
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Notification は通知のレコード。
type Notification struct {
	ID        string
	UserID    string
	Payload   push.Payload
	IsRead    bool
	Delivered bool
	CreatedAt time.Time
}

// Store は通知とユーザーを保存するSQLiteストア。
type Store struct {
	db *sql.DB
}

// OpenStore はSQLiteファイルを開き、マイグレーションを適用する。
// pathに":memory:"を指定するとインメモリDBになる。
func OpenStore(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		// 接続ごとに別のDBになるため1本に制限する
		db.SetMaxOpenConns(1)
	}

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertUser はユーザーを作成し、既に存在する場合はロールと最終ログイン日時を更新する。
func (s *Store) UpsertUser(ctx context.Context, id string, role session.Role, displayName string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, role, display_name, created_at, last_login_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			display_name = CASE WHEN excluded.display_name = '' THEN users.display_name ELSE excluded.display_name END,
			last_login_at = excluded.last_login_at
	`, id, string(role), displayName, now, now)
	if err != nil {
		return fmt.Errorf("ユーザーの保存に失敗: %w", err)
	}
	return nil
}

// GetUser はユーザーを取得する。
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	var role string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, role, display_name, created_at, last_login_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &role, &u.DisplayName, &u.CreatedAt, &u.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	u.Role = session.Role(role)
	return u, nil
}

// CreateNotification は通知を保存する。
func (s *Store) CreateNotification(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, body, url, require_interaction, is_read, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Payload.Title, n.Payload.Body, n.Payload.URL,
		boolToInt(n.Payload.RequireInteraction), boolToInt(n.IsRead), boolToInt(n.Delivered), n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return nil
}

const notificationColumns = "id, user_id, title, body, url, require_interaction, is_read, delivered, created_at"

// scanner はsql.Rowとsql.Rowsの共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(row scanner) (Notification, error) {
	var n Notification
	var requireInteraction, isRead, delivered int
	if err := row.Scan(&n.ID, &n.UserID, &n.Payload.Title, &n.Payload.Body, &n.Payload.URL,
		&requireInteraction, &isRead, &delivered, &n.CreatedAt); err != nil {
		return Notification{}, err
	}
	n.Payload.RequireInteraction = requireInteraction != 0
	n.IsRead = isRead != 0
	n.Delivered = delivered != 0
	return n, nil
}

// GetNotification は通知を取得する。
func (s *Store) GetNotification(ctx context.Context, id string) (Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return n, nil
}

// ListNotifications はユーザーの通知を新しい順に返す。
func (s *Store) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id", userID)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func collectNotifications(rows *sql.Rows) ([]Notification, error) {
	out := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("通知の読み取りに失敗: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知の読み取りに失敗: %w", err)
	}
	return out, nil
}

// MarkAsRead は通知を既読にする。
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkDelivered は通知を配信済みにする。
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE notifications SET delivered = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("通知の配信済み処理に失敗: %w", err)
	}
	return nil
}

// PullPending はユーザーのプッシュ配信待ちの通知を古い順に返し、配信済みにする。
func (s *Store) PullPending(ctx context.Context, userID string) ([]Notification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE user_id = ? AND delivered = 0 ORDER BY created_at, id", userID)
	if err != nil {
		return nil, fmt.Errorf("配信待ち通知の取得に失敗: %w", err)
	}
	pending, err := collectNotifications(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range pending {
		if _, err := tx.ExecContext(ctx, "UPDATE notifications SET delivered = 1 WHERE id = ?", pending[i].ID); err != nil {
			return nil, fmt.Errorf("通知の配信済み処理に失敗: %w", err)
		}
		pending[i].Delivered = true
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return pending, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
