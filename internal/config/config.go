// Package config resolves paths and settings for the hive binary.
// Settings merge four layers, last wins: built-in defaults,
// <private_root>/notes_default.json, the app_settings table in the
// human notes database, and environment variables.
package config

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	_ "github.com/mattn/go-sqlite3"
)

// Setting keys shared with the notes UI.
const (
	KeyOllamaURL   = "ai.ollama.url"
	KeyOllamaModel = "ai.ollama.model"
	KeySearchBase  = "search.api.base"
)

// Built-in defaults. The LLM and search services live on the LAN; these
// are the last-resort values when neither file, DB nor env provides them.
const (
	DefaultOllamaURL   = "http://192.168.0.142:11434"
	DefaultOllamaModel = "gpt-oss:latest"
	DefaultSearchBase  = "http://192.168.0.142/v1/search/?q="
)

// DefaultUsers is the default ingest user list for the orchestrator.
const DefaultUsers = "samekhi,root"

// PrivateRootOverride is set by the --private-root global flag.
var PrivateRootOverride string

// privateRootCandidates are checked in order when PRIVATE_ROOT is unset.
var privateRootCandidates = []string{
	"/web/private",
	"/var/www/private",
}

// PrivateRoot returns the private data root directory.
func PrivateRoot() string {
	if PrivateRootOverride != "" {
		return PrivateRootOverride
	}
	if v := os.Getenv("PRIVATE_ROOT"); strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	for _, cand := range privateRootCandidates {
		if info, err := os.Stat(cand); err == nil && info.IsDir() {
			return cand
		}
	}
	// Last resort for cron runs on a fresh host: a private dir under tmp
	// beats hard failing before the heartbeat is even reachable.
	return filepath.Join(os.TempDir(), "hive-private")
}

// Database file paths. The five databases are separate files so producers
// and consumers can be locked independently.

// HumanDBPath returns the human notes database (notes, history_state,
// job_runs, app_settings).
func HumanDBPath() string {
	if v := os.Getenv("NOTES_DB"); v != "" {
		return v
	}
	return filepath.Join(PrivateRoot(), "db/memory/human_notes.db")
}

// KBDBPath returns the bash knowledge base database.
func KBDBPath() string {
	return filepath.Join(PrivateRoot(), "db/memory/bash_history.db")
}

// SearchCacheDBPath returns the cached search snapshot database.
func SearchCacheDBPath() string {
	return filepath.Join(PrivateRoot(), "db/memory/search_cache.db")
}

// AIMetaDBPath returns the note metadata database.
func AIMetaDBPath() string {
	return filepath.Join(PrivateRoot(), "db/memory/notes_ai_metadata.db")
}

// QueueDBPath returns the MQ jobs database.
func QueueDBPath() string {
	if v := os.Getenv("MOTHER_QUEUE_DB"); v != "" {
		return v
	}
	return filepath.Join(PrivateRoot(), "db/memory/mother_queue.db")
}

// TemplateDBPath returns the optional prompt template database.
func TemplateDBPath() string {
	return filepath.Join(PrivateRoot(), "db/memory/ai_header.db")
}

// LockPath returns the advisory lock file for a task name.
func LockPath(task string) string {
	return filepath.Join(PrivateRoot(), "locks", task+".lock")
}

// PIDFilePath returns the worker PID file for a queue.
func PIDFilePath(queue string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("mq_worker_%s.pid", queue))
}

// LogPath returns the rotating log file for a job name.
func LogPath(job string) string {
	return filepath.Join(PrivateRoot(), "logs", job+".log")
}

// ScriptsDir returns the directory of dispatchable worker job scripts.
func ScriptsDir() string {
	if v := os.Getenv("MCP_SCRIPTS_DIR"); v != "" {
		return v
	}
	return "/web/private/mcp/scripts"
}

// Settings is the merged key/value view of the four configuration layers.
type Settings struct {
	v *viper.Viper
}

// Load builds the merged settings from the default file and database paths.
func Load() *Settings {
	return LoadFrom(DefaultJSONPath(), HumanDBPath())
}

// LoadFrom is Load with explicit file and database paths, for tests and
// for stages that take --human-db overrides.
func LoadFrom(jsonPath, humanDB string) *Settings {
	// The shared setting keys contain dots; a non-default delimiter keeps
	// viper from treating them as nested paths.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetDefault(KeyOllamaURL, DefaultOllamaURL)
	v.SetDefault(KeyOllamaModel, DefaultOllamaModel)
	v.SetDefault(KeySearchBase, DefaultSearchBase)

	if jsonPath != "" {
		v.SetConfigFile(jsonPath)
		v.SetConfigType("json")
		// Absence is normal; a malformed file is ignored the same way —
		// the pipeline must keep running on defaults.
		_ = v.ReadInConfig()
	}

	if dbCfg := loadDBSettings(humanDB); len(dbCfg) > 0 {
		_ = v.MergeConfigMap(dbCfg)
	}

	// Env overrides sit above the file and DB layers.
	_ = v.BindEnv(KeyOllamaURL, "OLLAMA_URL")
	_ = v.BindEnv(KeyOllamaModel, "OLLAMA_MODEL")
	_ = v.BindEnv(KeySearchBase, "SEARCH_API_BASE")

	return &Settings{v: v}
}

// DefaultJSONPath returns the notes_default.json location.
func DefaultJSONPath() string {
	if v := os.Getenv("NOTES_DEFAULT_JSON"); v != "" {
		return v
	}
	return filepath.Join(PrivateRoot(), "notes_default.json")
}

// loadDBSettings reads the shared app_settings table. Any failure (missing
// database, missing table) yields an empty layer.
func loadDBSettings(path string) map[string]any {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil
	}
	defer db.Close()

	rows, err := db.Query(
		`SELECT key, value FROM app_settings WHERE key IN (?,?,?)`,
		KeyOllamaURL, KeyOllamaModel, KeySearchBase,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var k string
		var val sql.NullString
		if err := rows.Scan(&k, &val); err != nil {
			continue
		}
		if val.Valid && strings.TrimSpace(val.String) != "" {
			out[k] = strings.TrimSpace(val.String)
		}
	}
	return out
}

// OllamaURL returns the LLM endpoint base URL, validated.
func (s *Settings) OllamaURL() (string, error) {
	raw := strings.TrimRight(s.v.GetString(KeyOllamaURL), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid ollama url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("ollama url must use http or https scheme, got: %s", u.Scheme)
	}
	return raw, nil
}

// OllamaModel returns the configured LLM model name.
func (s *Settings) OllamaModel() string {
	return s.v.GetString(KeyOllamaModel)
}

// SearchBase returns the search API base, including the trailing "?q=".
func (s *Settings) SearchBase() string {
	return s.v.GetString(KeySearchBase)
}

// EnvInt reads an integer env var with a default, for the batch-size knobs
// the stage scripts expose (BASH_AI_BATCH, BASH_SEARCH_BATCH).
func EnvInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvFloat reads a float env var with a default (BASH_SEARCH_SLEEP).
func EnvFloat(name string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// HistoryPath resolves a username to its bash history file.
func HistoryPath(user string) string {
	if user == "root" {
		return "/root/.bash_history"
	}
	return filepath.Join("/home", user, ".bash_history")
}

// Hostname returns the host tag used in history_state and lock owners.
func Hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}
