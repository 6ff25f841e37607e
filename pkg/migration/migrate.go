// Package migration はIdPのSQLiteスキーマを embed.FS 上のSQLファイルから構築する。
//
// ファイル名は 000001_description.up.sql の形式で、番号順に1ファイル1トランザクションで適用する。
// 適用済みのファイルは schema_migrations に名前とSHA-256を記録し、
// 適用後に内容が書き換えられた場合はエラーにする。
package migration

import (
	"cmp"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ErrChecksumMismatch は適用済みのマイグレーションの内容が変更されていることを表す。
var ErrChecksumMismatch = errors.New("適用済みのマイグレーションが変更されています")

var fileNamePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.up\.sql$`)

type migrationFile struct {
	version  int
	name     string
	sql      string
	checksum string
}

// Run はdir以下のマイグレーションのうち未適用のものを番号順に適用する。
// .up.sql以外のファイルは無視し、名前の形式が不正なものや番号の重複はエラーにする。
func Run(db *sql.DB, fsys fs.FS, dir string, logger zerolog.Logger) error {
	files, err := load(fsys, dir)
	if err != nil {
		return fmt.Errorf("マイグレーションファイルの読み込みに失敗: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := appliedChecksums(db)
	if err != nil {
		return fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	for _, f := range files {
		if sum, ok := applied[f.version]; ok {
			if sum != f.checksum {
				return fmt.Errorf("%w: %06d_%s", ErrChecksumMismatch, f.version, f.name)
			}
			continue
		}
		if err := apply(db, f); err != nil {
			return fmt.Errorf("マイグレーション %06d_%s の適用に失敗: %w", f.version, f.name, err)
		}
		logger.Info().
			Int("version", f.version).
			Str("name", f.name).
			Msg("マイグレーションを適用しました")
	}
	return nil
}

// load はdir直下の.up.sqlを読み込み、番号順に並べる。
func load(fsys fs.FS, dir string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var files []migrationFile
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("ファイル名の形式が不正です: %s", entry.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("バージョン番号が不正です: %s", entry.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("バージョン %d が重複しています: %s, %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:  version,
			name:     m[2],
			sql:      string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(files, func(a, b migrationFile) int { return cmp.Compare(a.version, b.version) })
	return files, nil
}

func appliedChecksums(db *sql.DB) (map[int]string, error) {
	rows, err := db.Query(`SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			v   int
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}

// apply は1ファイルを適用して記録する。失敗した場合は何も残さない。
func apply(db *sql.DB, f migrationFile) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec(f.sql); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err = tx.Exec(`INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)`,
		f.version, f.name, f.checksum); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
