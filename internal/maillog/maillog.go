// Package maillog keeps the per-campaign append-only delivery failure
// logs. The line format is an external contract: the owner UI serves
// the file back verbatim for download, so no logging framework may own
// its framing.
package maillog

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Log writes one file per campaign under dir.
type Log struct {
	dir string
}

func New(dir string) *Log {
	return &Log{dir: dir}
}

// Path returns the campaign's log file path. The file may not exist if
// the campaign had no failures.
func (l *Log) Path(campaignID int64) string {
	return filepath.Join(l.dir, "campaign_"+strconv.FormatInt(campaignID, 10)+".txt")
}

// Append adds one failure line:
//
//	[<RFC3339 ts>] recipient=<id> username=<handle|-> error=<text>
func (l *Log) Append(campaignID, targetID int64, username, errText string) error {
	path := l.Path(campaignID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if username == "" {
		username = "-"
	}
	// keep multi-line error text on the one line the format promises
	errText = lineBreaks.Replace(errText)
	line := fmt.Sprintf("[%s] recipient=%d username=%s error=%s\n",
		time.Now().UTC().Format(time.RFC3339), targetID, username, errText)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

// Read returns the raw log bytes, or nil when no failures were logged.
func (l *Log) Read(campaignID int64) ([]byte, error) {
	b, err := os.ReadFile(l.Path(campaignID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

// Remove deletes the campaign's log file, if present.
func (l *Log) Remove(campaignID int64) error {
	err := os.Remove(l.Path(campaignID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
