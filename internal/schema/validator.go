package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/tabsync/internal/quicktab"
	"github.com/agentworkforce/tabsync/internal/telemetry"
)

const (
	DefaultMaxArrayLength = 1000
	maxIdentifierLength   = 256
)

type Result struct {
	Type          MessageType
	Errors        []string
	Warnings      []string
	SanitizedData map[string]any
	Message       Message
}

func (r Result) IsValid() bool {
	return len(r.Errors) == 0
}

type Options struct {
	MaxArrayLength int
	Logger         zerolog.Logger
}

type Validator struct {
	maxArrayLength int
	structural     *structuralGate
	logger         zerolog.Logger
}

func NewValidator(opts Options) *Validator {
	maxArrayLength := opts.MaxArrayLength
	if maxArrayLength <= 0 {
		maxArrayLength = DefaultMaxArrayLength
	}
	return &Validator{
		maxArrayLength: maxArrayLength,
		structural:     mustStructuralGate(),
		logger:         telemetry.Component(opts.Logger, "schema"),
	}
}

// ValidateJSON decodes payload as an envelope and validates it.
func (v *Validator) ValidateJSON(payload []byte) Result {
	var raw map[string]any
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil || raw == nil {
		return Result{Errors: []string{"message must be a JSON object"}}
	}
	return v.Validate(raw)
}

// Validate never fails; problems are reported on the returned Result.
func (v *Validator) Validate(raw map[string]any) Result {
	rawType, ok := raw["type"].(string)
	if !ok || strings.TrimSpace(rawType) == "" {
		return Result{Errors: []string{"type is required"}}
	}
	msgType := MessageType(strings.TrimSpace(rawType))
	result := Result{Type: msgType}
	if !msgType.Known() {
		result.Errors = append(result.Errors, fmt.Sprintf("unknown message type: %s", rawType))
		return result
	}
	data, ok := raw["data"].(map[string]any)
	if !ok {
		result.Errors = append(result.Errors, "data must be an object")
		return result
	}

	s := &sanitizer{data: data, out: map[string]any{}, maxArrayLength: v.maxArrayLength}
	required := map[string]bool{}
	for _, field := range requiredFields[msgType] {
		required[field] = true
	}
	msg := Message{Type: msgType}
	msg.ID = s.identifier("id", true)
	msg.WritingContextID = s.identifier("writingContextId", false)
	msg.WritingInstanceID = s.identifier("writingInstanceId", false)
	msg.OwnerContextID = s.identifier("ownerContextId", false)
	msg.ZIndex = s.integer("zIndex", false)
	msg.LastWriteTimestamp = s.integer("lastWriteTimestamp", false)
	if seq := s.integer("sequenceId", false); seq > 0 {
		msg.SequenceID = uint64(seq)
	}

	switch msgType {
	case TypeCreate:
		msg.URL = s.text("url", true)
		msg.Title = s.text("title", false)
		msg.OriginContextID = s.identifier("originContextId", false)
		msg.LifecycleState = s.state("lifecycleState")
	}
	if msgType == TypeCreate || msgType == TypeUpdatePosition {
		msg.Position.Left = s.number("left", required["left"])
		msg.Position.Top = s.number("top", required["top"])
	}
	if msgType == TypeCreate || msgType == TypeUpdateSize {
		msg.Size.Width = s.geometry("width", required["width"])
		msg.Size.Height = s.geometry("height", required["height"])
	}
	if msgType == TypeCreate || msgType == TypeSolo {
		msg.SoloedOnContexts = s.identifiers("soloedOnContexts", required["soloedOnContexts"])
	}
	if msgType == TypeCreate || msgType == TypeMute {
		msg.MutedOnContexts = s.identifiers("mutedOnContexts", required["mutedOnContexts"])
	}
	if msgType == TypeCreate && len(msg.SoloedOnContexts) > 0 && len(msg.MutedOnContexts) > 0 {
		s.fail("soloedOnContexts and mutedOnContexts are mutually exclusive")
	}

	if len(s.errors) == 0 {
		s.errors = append(s.errors, v.structural.validate(msgType, s.out)...)
	}
	result.Errors = s.errors
	result.Warnings = s.warnings
	result.SanitizedData = s.out
	if result.IsValid() {
		result.Message = msg
	}
	for _, warning := range result.Warnings {
		v.logger.Warn().Str("type", string(msgType)).Str("id", msg.ID).Msg(warning)
	}
	return result
}

type sanitizer struct {
	data           map[string]any
	out            map[string]any
	errors         []string
	warnings       []string
	maxArrayLength int
}

func (s *sanitizer) fail(format string, args ...any) {
	s.errors = append(s.errors, fmt.Sprintf(format, args...))
}

func (s *sanitizer) lookup(field string, required bool) (any, bool) {
	value, ok := s.data[field]
	if !ok || value == nil {
		if required {
			s.fail("%s is required", field)
		}
		return nil, false
	}
	return value, true
}

func (s *sanitizer) text(field string, required bool) string {
	value, ok := s.lookup(field, required)
	if !ok {
		return ""
	}
	str, ok := value.(string)
	if !ok {
		s.fail("%s must be a string", field)
		return ""
	}
	if required && strings.TrimSpace(str) == "" {
		s.fail("%s is required", field)
		return ""
	}
	s.out[field] = str
	return str
}

func (s *sanitizer) identifier(field string, required bool) string {
	value, ok := s.lookup(field, required)
	if !ok {
		return ""
	}
	str, ok := value.(string)
	if !ok {
		s.fail("%s must be a string", field)
		return ""
	}
	str = strings.TrimSpace(str)
	if !validIdentifier(str) {
		if required || str != "" {
			s.fail("%s must be a valid identifier", field)
		}
		return ""
	}
	s.out[field] = str
	return str
}

func (s *sanitizer) number(field string, required bool) float64 {
	value, ok := s.lookup(field, required)
	if !ok {
		return 0
	}
	n, ok := coerceNumber(value)
	if !ok {
		s.fail("%s must be numeric", field)
		return 0
	}
	s.out[field] = n
	return n
}

func (s *sanitizer) geometry(field string, required bool) float64 {
	value, ok := s.lookup(field, required)
	if !ok {
		return 0
	}
	n, ok := coerceNumber(value)
	if !ok {
		s.fail("%s must be numeric", field)
		return 0
	}
	if n < 0 {
		s.fail("%s must be non-negative", field)
		return 0
	}
	s.out[field] = n
	return n
}

// maxExactInteger is the largest integer a JSON number carries without loss.
const maxExactInteger = 1 << 53

func (s *sanitizer) integer(field string, required bool) int64 {
	value, ok := s.lookup(field, required)
	if !ok {
		return 0
	}
	n, ok := coerceNumber(value)
	if !ok {
		s.fail("%s must be numeric", field)
		return 0
	}
	if n != math.Trunc(n) || n < 0 || n > maxExactInteger {
		s.fail("%s must be a non-negative integer", field)
		return 0
	}
	s.out[field] = n
	return int64(n)
}

func (s *sanitizer) state(field string) quicktab.State {
	value, ok := s.lookup(field, false)
	if !ok {
		return ""
	}
	str, ok := value.(string)
	if !ok {
		s.fail("%s must be a string", field)
		return ""
	}
	state, ok := quicktab.ParseState(strings.ToLower(strings.TrimSpace(str)))
	if !ok {
		s.fail("%s has unknown value %q", field, str)
		return ""
	}
	s.out[field] = string(state)
	return state
}

func (s *sanitizer) identifiers(field string, required bool) []string {
	value, ok := s.lookup(field, required)
	if !ok {
		return nil
	}
	var items []any
	switch typed := value.(type) {
	case []any:
		items = typed
	case []string:
		items = make([]any, 0, len(typed))
		for _, item := range typed {
			items = append(items, item)
		}
	default:
		s.fail("%s must be an array of identifiers", field)
		return nil
	}
	if len(items) > s.maxArrayLength {
		s.warnings = append(s.warnings, fmt.Sprintf("%s truncated from %d to %d entries", field, len(items), s.maxArrayLength))
		items = items[:s.maxArrayLength]
	}
	ids := make([]string, 0, len(items))
	sanitized := make([]any, 0, len(items))
	seen := map[string]struct{}{}
	for i, item := range items {
		str, ok := item.(string)
		str = strings.TrimSpace(str)
		if !ok || !validIdentifier(str) {
			s.fail("%s[%d] must be a valid identifier", field, i)
			continue
		}
		if _, dup := seen[str]; dup {
			continue
		}
		seen[str] = struct{}{}
		ids = append(ids, str)
		sanitized = append(sanitized, str)
	}
	s.out[field] = sanitized
	return ids
}

func validIdentifier(value string) bool {
	if value == "" || len(value) > maxIdentifierLength {
		return false
	}
	return !strings.ContainsAny(value, " \t\r\n")
}

func coerceNumber(value any) (float64, bool) {
	var n float64
	switch typed := value.(type) {
	case float64:
		n = typed
	case float32:
		n = float64(typed)
	case int:
		n = float64(typed)
	case int64:
		n = float64(typed)
	case int32:
		n = float64(typed)
	case uint64:
		n = float64(typed)
	case uint32:
		n = float64(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		n = parsed
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
