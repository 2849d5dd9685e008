// Package status persists the Index Status Record of each build role as
// individual keys of a role-scoped key/value store.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
)

// State is the lifecycle position of a role's build.
type State string

const (
	NotExist     State = "not-exist"
	Preparing    State = "preparing"
	Building     State = "building"
	Completed    State = "completed"
	Error        State = "error"
	Cancellation State = "cancellation"
)

var transitions = map[State][]State{
	NotExist:     {Preparing},
	Preparing:    {Building, Error, Cancellation},
	Building:     {Completed, Error, Cancellation},
	Completed:    {Preparing, Cancellation},
	Error:        {NotExist, Preparing, Cancellation},
	Cancellation: {NotExist},
}

// CanTransition reports whether a record may move from one state to another.
func CanTransition(from, to State) bool {
	if from == to && to == Error {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record keys.
const (
	KeyBuildID       = "build_id"
	KeyStatus        = "status"
	KeyStartTS       = "start_ts"
	KeyEndTS         = "end_ts"
	KeyLastActionTS  = "last_action_ts"
	KeyLanguages     = "languages"
	KeyPluginVersion = "plugin_version"
	KeyStemmer       = "stemmer"
	KeyLogs          = "logs"

	nonCriticalPrefix = "non_critical."
)

// NotApplicable is the end timestamp written for kinds a build skips.
const NotApplicable int64 = -1

func StartKey(kind index.Kind) string     { return string(kind) + "_start_ts" }
func EndKey(kind index.Kind) string       { return string(kind) + "_end_ts" }
func ProcessedKey(kind index.Kind) string { return string(kind) + "_processed" }
func TotalKey(kind index.Kind) string     { return string(kind) + "_total" }
func NonCriticalKey(errType string) string {
	return nonCriticalPrefix + errType
}

// Phase holds the progress of one kind.
type Phase struct {
	StartTS   int64 `json:"start_ts"`
	EndTS     int64 `json:"end_ts"`
	Processed int64 `json:"processed"`
	Total     int64 `json:"total"`
}

// Done reports whether the phase ended or does not apply.
func (p Phase) Done() bool {
	return p.EndTS != 0
}

// Record is the decoded status of one role.
type Record struct {
	Role              index.Role           `json:"role"`
	BuildID           string               `json:"build_id"`
	Status            State                `json:"status"`
	StartTS           int64                `json:"start_ts"`
	EndTS             int64                `json:"end_ts"`
	LastActionTS      int64                `json:"last_action_ts"`
	Phases            map[index.Kind]Phase `json:"phases"`
	NonCriticalErrors map[string]string    `json:"non_critical_errors"`
	Logs              []string             `json:"logs"`
	Languages         []string             `json:"languages"`
	PluginVersion     string               `json:"plugin_version"`
	Stemmer           string               `json:"stemmer"`
	Raw               map[string]string    `json:"-"`
}

// Decode builds a Record from stored fields. Missing keys decode as zero
// values and a missing status as NotExist.
func Decode(role index.Role, fields map[string]string) *Record {
	r := &Record{
		Role:              role,
		BuildID:           fields[KeyBuildID],
		Status:            State(fields[KeyStatus]),
		StartTS:           parseInt(fields[KeyStartTS]),
		EndTS:             parseInt(fields[KeyEndTS]),
		LastActionTS:      parseInt(fields[KeyLastActionTS]),
		Phases:            make(map[index.Kind]Phase, len(index.Kinds)),
		NonCriticalErrors: make(map[string]string),
		PluginVersion:     fields[KeyPluginVersion],
		Stemmer:           fields[KeyStemmer],
		Raw:               fields,
	}
	if r.Status == "" {
		r.Status = NotExist
	}
	for _, k := range index.Kinds {
		r.Phases[k] = Phase{
			StartTS:   parseInt(fields[StartKey(k)]),
			EndTS:     parseInt(fields[EndKey(k)]),
			Processed: parseInt(fields[ProcessedKey(k)]),
			Total:     parseInt(fields[TotalKey(k)]),
		}
	}
	for key, value := range fields {
		if strings.HasPrefix(key, nonCriticalPrefix) {
			r.NonCriticalErrors[strings.TrimPrefix(key, nonCriticalPrefix)] = value
		}
	}
	if v := fields[KeyLanguages]; v != "" {
		r.Languages = strings.Split(v, ",")
	}
	if v := fields[KeyLogs]; v != "" {
		_ = json.Unmarshal([]byte(v), &r.Logs)
	}
	return r
}

// Valid reports whether the record belongs to an actual build.
func (r *Record) Valid() bool {
	return r.BuildID != "" && r.Status != NotExist
}

// AllPhasesDone reports whether every kind ended or was marked not
// applicable.
func (r *Record) AllPhasesDone() bool {
	for _, k := range index.Kinds {
		if !r.Phases[k].Done() {
			return false
		}
	}
	return true
}

// Load reads and decodes the record of role.
func Load(ctx context.Context, store Store, role index.Role) (*Record, error) {
	fields, err := store.All(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("loading %s status: %w", role, err)
	}
	return Decode(role, fields), nil
}

// Current returns the state of role.
func Current(ctx context.Context, store Store, role index.Role) (State, error) {
	v, ok, err := store.Get(ctx, role, KeyStatus)
	if err != nil {
		return "", fmt.Errorf("reading %s status: %w", role, err)
	}
	if !ok || v == "" {
		return NotExist, nil
	}
	return State(v), nil
}

// Transition moves role to state to, rejecting moves the lifecycle forbids.
func Transition(ctx context.Context, store Store, role index.Role, to State) error {
	from, err := Current(ctx, store, role)
	if err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", apperrors.ErrInvalidState, role, from, to)
	}
	return store.Set(ctx, role, KeyStatus, string(to))
}

// Reset clears role and writes fields in place of the old record.
func Reset(ctx context.Context, store Store, role index.Role, fields map[string]string) error {
	if err := store.Clear(ctx, role); err != nil {
		return fmt.Errorf("clearing %s status: %w", role, err)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := store.Set(ctx, role, k, fields[k]); err != nil {
			return fmt.Errorf("writing %s status %s: %w", role, k, err)
		}
	}
	return nil
}

// RecordNonCritical keeps the first message seen for each error type.
func RecordNonCritical(ctx context.Context, store Store, role index.Role, errType, message string) (bool, error) {
	return store.Add(ctx, role, NonCriticalKey(errType), message)
}

// AppendLog adds a line to the record's build log, keeping the newest
// maxLogLines. Callers serialise appends through a named lock.
func AppendLog(ctx context.Context, store Store, role index.Role, line string) error {
	v, _, err := store.Get(ctx, role, KeyLogs)
	if err != nil {
		return err
	}
	var logs []string
	if v != "" {
		_ = json.Unmarshal([]byte(v), &logs)
	}
	logs = append(logs, time.Now().UTC().Format(time.RFC3339)+" "+line)
	if len(logs) > maxLogLines {
		logs = logs[len(logs)-maxLogLines:]
	}
	raw, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("encoding build log: %w", err)
	}
	return store.Set(ctx, role, KeyLogs, string(raw))
}

const maxLogLines = 200

// SetInt stores an integer field.
func SetInt(ctx context.Context, store Store, role index.Role, key string, v int64) error {
	return store.Set(ctx, role, key, strconv.FormatInt(v, 10))
}

// GetInt reads an integer field, zero when absent.
func GetInt(ctx context.Context, store Store, role index.Role, key string) (int64, error) {
	v, _, err := store.Get(ctx, role, key)
	if err != nil {
		return 0, err
	}
	return parseInt(v), nil
}

// Now returns the timestamp format used by the record.
func Now() int64 {
	return time.Now().Unix()
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
