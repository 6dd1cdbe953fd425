package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "QueryPilot/internal/errors"
)

// TurnRecord 表示一轮对话的落库结构。
type TurnRecord struct {
	ID         int64  `json:"id"`
	TurnID     string `json:"turn_id"`
	SessionID  string `json:"session_id"`
	Query      string `json:"query"`
	Answer     string `json:"answer"`
	Outcome    string `json:"outcome"`
	Stage      string `json:"stage,omitempty"`
	Attempts   int    `json:"attempts"`
	Steps      string `json:"steps"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  int64  `json:"created_at"`
}

// TurnRepository 抽象对话轮次的持久化接口。
type TurnRepository interface {
	Save(ctx context.Context, record *TurnRecord) error
	ListLatest(ctx context.Context, limit int) ([]TurnRecord, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
}

const (
	defaultListLimit = 20
	fileRetention    = 1024
)

// FileTurnRepository 使用本地 JSON lines 文件保存轮次，方便在没有 MySQL 时迭代开发。
type FileTurnRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []TurnRecord // 按时间倒序
	nextID   int64
}

// NewFileTurnRepository 创建文件仓库并加载已有记录。
func NewFileTurnRepository(dataDir string) (*FileTurnRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileTurnRepository{dataFile: filepath.Join(dataDir, "turns.log"), nextID: 1}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录轮次。
func (m *FileTurnRepository) Save(_ context.Context, record *TurnRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "turn record is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	record.ID = m.nextID
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化轮次记录失败")
	}

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开轮次日志失败")
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入轮次日志失败")
	}

	m.nextID++
	m.records = append([]TurnRecord{*record}, m.records...)
	if len(m.records) > fileRetention {
		m.records = m.records[:fileRetention]
	}
	return nil
}

// ListLatest 返回最近的轮次，按时间倒序排列。
func (m *FileTurnRepository) ListLatest(_ context.Context, limit int) ([]TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return takeLatest(m.records, limit, func(TurnRecord) bool { return true }), nil
}

// ListBySession 返回某个会话最近的轮次。
func (m *FileTurnRepository) ListBySession(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return takeLatest(m.records, limit, func(r TurnRecord) bool { return r.SessionID == sessionID }), nil
}

func takeLatest(records []TurnRecord, limit int, keep func(TurnRecord) bool) []TurnRecord {
	if limit <= 0 {
		limit = defaultListLimit
	}
	out := make([]TurnRecord, 0, limit)
	for _, r := range records {
		if len(out) == limit {
			break
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (m *FileTurnRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取轮次日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []TurnRecord
	for scanner.Scan() {
		var record TurnRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID >= m.nextID {
			m.nextID = record.ID + 1
		}
		restored = append([]TurnRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析轮次日志失败: %w", err)
	}
	if len(restored) > fileRetention {
		restored = restored[:fileRetention]
	}
	m.records = restored
	return nil
}

// SQLTurnRepository 使用 MySQL 存储轮次。
type SQLTurnRepository struct {
	db *sql.DB
}

// NewSQLTurnRepository 创建连接池并执行迁移。
func NewSQLTurnRepository(ctx context.Context, cfg Config) (*SQLTurnRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化轮次仓库失败")
	}
	return &SQLTurnRepository{db: db}, nil
}

// NewSQLTurnRepositoryWithDB 基于已有连接池创建仓库，不执行迁移。
func NewSQLTurnRepositoryWithDB(db *sql.DB) *SQLTurnRepository {
	return &SQLTurnRepository{db: db}
}

const (
	insertTurnSQL = `INSERT INTO turns
    (turn_id, session_id, query, answer, outcome, stage, attempts, steps, duration_ms, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectTurnColumns = `SELECT id, turn_id, session_id, query, answer, outcome, stage, attempts, steps, duration_ms, created_at
    FROM turns`
)

// Save 将轮次写入 MySQL。
func (s *SQLTurnRepository) Save(ctx context.Context, record *TurnRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "turn record is nil")
	}
	res, err := s.db.ExecContext(ctx, insertTurnSQL,
		record.TurnID,
		record.SessionID,
		record.Query,
		record.Answer,
		record.Outcome,
		record.Stage,
		record.Attempts,
		record.Steps,
		record.DurationMS,
		record.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入轮次记录失败")
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListLatest 查询最近的若干轮次。
func (s *SQLTurnRepository) ListLatest(ctx context.Context, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.query(ctx, selectTurnColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// ListBySession 查询某个会话最近的若干轮次。
func (s *SQLTurnRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.query(ctx, selectTurnColumns+` WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, sessionID, limit)
}

func (s *SQLTurnRepository) query(ctx context.Context, stmt string, args ...any) ([]TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询轮次记录失败")
	}
	defer rows.Close()

	var records []TurnRecord
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.TurnID, &r.SessionID, &r.Query, &r.Answer, &r.Outcome, &r.Stage, &r.Attempts, &r.Steps, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析轮次记录失败")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历轮次记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLTurnRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ TurnRepository = (*FileTurnRepository)(nil)
	_ TurnRepository = (*SQLTurnRepository)(nil)
)
