// Package matchlog implements MatchLogger: an append-only,
// newline-delimited JSON record of every Game formed, one file per
// experiment run. Grounded on internal/v1/logging's zap
// config/encoder/WriteSyncer idiom (logging.Initialize builds a
// zap.Config with OutputPaths = []string{"stdout"}); here a dedicated
// zapcore.Core writes structured records to a file instead of stdout,
// since these are data records, not operational logs, and must not be
// interleaved with or filtered by the global logger's level.
package matchlog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/openlab-research/experiment-engine/internal/v1/types"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the MatchLogger component.
type Logger struct {
	core   zapcore.Core
	file   *os.File
}

// New opens (creating directories as needed) data/{experimentID}/match_logs/<runID>.log
// and returns a Logger appending newline-delimited JSON records to it.
func New(dataDir, experimentID, runID string) (*Logger, error) {
	dir := filepath.Join(dataDir, experimentID, "match_logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("matchlog: create directory: %w", err)
	}

	path := filepath.Join(dir, runID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("matchlog: open log file: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "" // FormedAt is carried explicitly in the record
	encoder := zapcore.NewJSONEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, zapcore.AddSync(f), zapcore.InfoLevel)

	return &Logger{core: core, file: f}, nil
}

// Append writes one MatchLogEntry as a single JSON line.
func (l *Logger) Append(entry types.MatchLogEntry) error {
	fields := []zapcore.Field{
		zap.String("game_id", string(entry.GameId)),
		zap.String("scene_id", string(entry.SceneId)),
		zap.Strings("members", subjectStrings(entry.Members)),
		zap.String("group_key", string(entry.GroupKey)),
		zap.Time("formed_at", entry.FormedAt),
	}
	return l.core.Write(zapcore.Entry{Level: zapcore.InfoLevel, Message: "game_formed"}, fields)
}

// Close flushes and releases the underlying file.
func (l *Logger) Close() error {
	_ = l.core.Sync()
	return l.file.Close()
}

func subjectStrings(ids []types.SubjectId) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
