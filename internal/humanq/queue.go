package humanq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bloom/bloom/internal/common/logger"
	"github.com/bloom/bloom/internal/events"
	"github.com/bloom/bloom/internal/events/bus"
)

const (
	questionsDirName     = ".questions"
	interjectionsDirName = ".interjections"

	// DefaultAnswerTimeout bounds WaitForAnswer when the caller passes 0.
	DefaultAnswerTimeout = 5 * time.Minute
)

// Queue manages the question and interjection directories under a
// bloom dir. Safe for concurrent use; cross-process safety comes from
// atomic renames, not locks.
type Queue struct {
	questionsDir     string
	interjectionsDir string
	bus              bus.EventBus
	log              *logger.Logger

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	watcher  *dirWatcher
}

// New creates a Queue rooted at bloomDir, creating the record
// directories if needed. A nil eventBus disables bus publishing.
func New(bloomDir string, eventBus bus.EventBus, log *logger.Logger) (*Queue, error) {
	q := &Queue{
		questionsDir:     filepath.Join(bloomDir, questionsDirName),
		interjectionsDir: filepath.Join(bloomDir, interjectionsDirName),
		bus:              eventBus,
		log:              log.WithFields(zap.String("component", "humanq")),
		handlers:         make(map[int]Handler),
	}
	for _, dir := range []string{q.questionsDir, q.interjectionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	return q, nil
}

func newRecordID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), suffix)
}

// AskOptions carry the optional fields of AskQuestion.
type AskOptions struct {
	TaskID  string
	Choices []string
}

// AskQuestion persists a pending question and returns its id.
func (q *Queue) AskQuestion(agentName, text string, opts AskOptions) (string, error) {
	record := &Question{
		ID:        newRecordID("q"),
		AgentName: agentName,
		TaskID:    opts.TaskID,
		Question:  text,
		Options:   opts.Choices,
		CreatedAt: time.Now().UTC(),
		Status:    QuestionPending,
	}
	if err := writeRecord(q.questionsDir, record.ID, record); err != nil {
		return "", err
	}
	q.publish(events.QuestionCreated, map[string]interface{}{
		"id": record.ID, "agentName": agentName, "taskId": opts.TaskID,
	})
	return record.ID, nil
}

// AnswerQuestion marks a question answered. Returns false when the
// record no longer exists. Repeated answers overwrite.
func (q *Queue) AnswerQuestion(id, answer string) (bool, error) {
	record, err := q.GetQuestion(id)
	if err != nil || record == nil {
		return false, err
	}
	now := time.Now().UTC()
	record.Status = QuestionAnswered
	record.Answer = answer
	record.AnsweredAt = &now
	if err := writeRecord(q.questionsDir, id, record); err != nil {
		return false, err
	}
	q.publish(events.QuestionAnswered, map[string]interface{}{
		"id": id, "answer": answer,
	})
	return true, nil
}

// GetQuestion reads one question; nil when missing or unreadable.
func (q *Queue) GetQuestion(id string) (*Question, error) {
	var record Question
	ok, err := q.readRecord(q.questionsDir, id, &record)
	if !ok {
		return nil, err
	}
	return &record, nil
}

// ListQuestions returns questions, optionally filtered by status,
// sorted ascending by creation time.
func (q *Queue) ListQuestions(status string) ([]*Question, error) {
	var out []*Question
	err := q.scanDir(q.questionsDir, func(id string) {
		var record Question
		if ok, _ := q.readRecord(q.questionsDir, id, &record); !ok {
			return
		}
		if status != "" && record.Status != status {
			return
		}
		out = append(out, &record)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// DeleteQuestion removes a question; missing files are not an error.
func (q *Queue) DeleteQuestion(id string) error {
	return removeRecord(q.questionsDir, id)
}

// ClearAnswered deletes all answered questions and reports how many.
func (q *Queue) ClearAnswered() (int, error) {
	answered, err := q.ListQuestions(QuestionAnswered)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, record := range answered {
		if err := removeRecord(q.questionsDir, record.ID); err != nil {
			q.log.Warn("failed to clear answered question",
				zap.String("id", record.ID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// InterjectionRequest carries the fields of CreateInterjection.
type InterjectionRequest struct {
	AgentName        string
	TaskID           string
	SessionID        string
	WorkingDirectory string
	Reason           string
}

// CreateInterjection persists a pending interjection record.
func (q *Queue) CreateInterjection(req InterjectionRequest) (*Interjection, error) {
	record := &Interjection{
		ID:               newRecordID("i"),
		AgentName:        req.AgentName,
		TaskID:           req.TaskID,
		SessionID:        req.SessionID,
		WorkingDirectory: req.WorkingDirectory,
		Reason:           req.Reason,
		CreatedAt:        time.Now().UTC(),
		Status:           InterjectionPending,
	}
	if err := writeRecord(q.interjectionsDir, record.ID, record); err != nil {
		return nil, err
	}
	q.publish(events.InterjectionCreated, map[string]interface{}{
		"id": record.ID, "agentName": req.AgentName, "taskId": req.TaskID,
	})
	return record, nil
}

// GetInterjection reads one interjection; nil when missing.
func (q *Queue) GetInterjection(id string) (*Interjection, error) {
	var record Interjection
	ok, err := q.readRecord(q.interjectionsDir, id, &record)
	if !ok {
		return nil, err
	}
	return &record, nil
}

// ListInterjections returns interjections, optionally filtered by
// status, sorted ascending by creation time.
func (q *Queue) ListInterjections(status string) ([]*Interjection, error) {
	var out []*Interjection
	err := q.scanDir(q.interjectionsDir, func(id string) {
		var record Interjection
		if ok, _ := q.readRecord(q.interjectionsDir, id, &record); !ok {
			return
		}
		if status != "" && record.Status != status {
			return
		}
		out = append(out, &record)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// MarkInterjectionResumed flips a pending interjection to resumed.
// Returns false when the record no longer exists.
func (q *Queue) MarkInterjectionResumed(id string) (bool, error) {
	record, err := q.GetInterjection(id)
	if err != nil || record == nil {
		return false, err
	}
	now := time.Now().UTC()
	record.Status = InterjectionResumed
	record.ResumedAt = &now
	if err := writeRecord(q.interjectionsDir, id, record); err != nil {
		return false, err
	}
	q.publish(events.InterjectionResumed, map[string]interface{}{"id": id})
	return true, nil
}

// DismissInterjection marks an interjection dismissed. Returns false
// when the record no longer exists.
func (q *Queue) DismissInterjection(id string) (bool, error) {
	record, err := q.GetInterjection(id)
	if err != nil || record == nil {
		return false, err
	}
	record.Status = InterjectionDismissed
	if err := writeRecord(q.interjectionsDir, id, record); err != nil {
		return false, err
	}
	return true, nil
}

// WaitForAnswer blocks until the question is answered (answer, true),
// deleted ("", false), or the timeout elapses ("", false). A zero
// timeout means DefaultAnswerTimeout.
func (q *Queue) WaitForAnswer(ctx context.Context, id string, timeout time.Duration) (string, bool) {
	if timeout <= 0 {
		timeout = DefaultAnswerTimeout
	}

	done := make(chan Event, 8)
	unsubscribe := q.Watch(func(ev Event) {
		if ev.ID != id {
			return
		}
		select {
		case done <- ev:
		default:
		}
	})
	defer unsubscribe()

	// check after subscribing so an answer racing the subscription is
	// seen either on disk or through the watcher
	if record, _ := q.GetQuestion(id); record != nil && record.Status == QuestionAnswered {
		return record.Answer, true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev := <-done:
			switch ev.Type {
			case EventQuestionAnswered:
				if ev.Question != nil {
					return ev.Question.Answer, true
				}
				if record, _ := q.GetQuestion(id); record != nil {
					return record.Answer, true
				}
				return "", false
			case EventQuestionDeleted:
				return "", false
			}
		case <-deadline.C:
			return "", false
		case <-ctx.Done():
			return "", false
		}
	}
}

func (q *Queue) publish(subject string, data map[string]interface{}) {
	if q.bus == nil {
		return
	}
	if err := q.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "humanq", data)); err != nil {
		q.log.Debug("failed to publish queue event", zap.Error(err))
	}
}

// readRecord parses one record file. Returns (false, nil) for missing
// or half-written files: the queue stays usable across rename races.
func (q *Queue) readRecord(dir, id string, out interface{}) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read record %s: %w", id, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		q.log.Debug("skipping unreadable record",
			zap.String("id", id), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (q *Queue) scanDir(dir string, visit func(id string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read queue dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		visit(strings.TrimSuffix(name, ".json"))
	}
	return nil
}

func writeRecord(dir, id string, record interface{}) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", id, err)
	}
	tmp, err := os.CreateTemp(dir, "."+id+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write record %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close record %s: %w", id, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, id+".json")); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename record %s: %w", id, err)
	}
	return nil
}

func removeRecord(dir, id string) error {
	err := os.Remove(filepath.Join(dir, id+".json"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}
