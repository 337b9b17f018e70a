// Package config defines the JSON configuration shape cronplus accepts
// and the decoding/validation pipeline that turns it into a set of
// task definitions the manager can reconcile against.
package config

// VarType enumerates the supported task variable types.
type VarType string

const (
	VarString   VarType = "string"
	VarInt      VarType = "int"
	VarBool     VarType = "bool"
	VarDate     VarType = "date"
	VarDateTime VarType = "datetime"
)

// Variable is a single named, typed task-scoped value seeded into every
// execution's variable map before the pipeline runs.
type Variable struct {
	Name  string  `json:"name" validate:"required"`
	Type  VarType `json:"type" validate:"omitempty,oneof=string int bool date datetime"`
	Value string  `json:"value"`
}

// WatchSpec configures the directory watcher for a single task.
type WatchSpec struct {
	Directory       string `json:"directory" validate:"required"`
	Glob            string `json:"glob"`
	DebounceMs      int    `json:"debounceMs" validate:"min=0"`
	StabilizationMs int    `json:"stabilizationMs" validate:"min=0"`
}

// RetryPolicy controls how a step is retried on a retryable failure.
type RetryPolicy struct {
	MaxAttempts  int     `json:"maxAttempts" validate:"min=1,max=10"`
	BackoffMs    int     `json:"backoffMs" validate:"min=0"`
	BackoffType  string  `json:"backoffType" validate:"omitempty,oneof=constant linear exponential"`
	Multiplier   float64 `json:"multiplier"`
	MaxBackoffMs int     `json:"maxBackoffMs,omitempty"`
}

// Condition is a single first-order predicate evaluated against the
// execution context's field table (see internal/pipeline/condition.go).
type Condition struct {
	Field  string `json:"field" validate:"required"`
	Op     string `json:"op" validate:"required"`
	Value  any    `json:"value,omitempty"`
	Value2 any    `json:"value2,omitempty"` // upper bound for "between"
}

// ConditionRule combines an ordered list of Conditions with a boolean
// logic operator. Shared shape between per-step conditions and decision
// rules.
type ConditionRule struct {
	Conditions []Condition `json:"conditions"`
	Logic      string      `json:"logic" validate:"omitempty,oneof=and or xor"`
}

// StepCondition gates execution of the step it is attached to.
type StepCondition struct {
	ConditionRule
	OnTrue  string `json:"onTrue" validate:"omitempty,oneof=continue skip stop fail"`
	OnFalse string `json:"onFalse" validate:"omitempty,oneof=continue skip stop fail"`
}

// SetVariable is the optional side effect a decision rule may apply when
// it matches.
type SetVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DecisionRule is one ordered rule of a decision step.
type DecisionRule struct {
	ConditionRule
	Action      string       `json:"action" validate:"required,oneof=continue skip stop fail jump"`
	JumpTarget  string       `json:"jumpTarget,omitempty"`
	SetVariable *SetVariable `json:"setVariable,omitempty"`
}

// DecisionStep evaluates its rules in order and takes the first match's
// action, or DefaultAction if none match.
type DecisionStep struct {
	Rules         []DecisionRule `json:"rules"`
	DefaultAction string         `json:"defaultAction" validate:"omitempty,oneof=continue skip stop fail jump"`
}

// CopyStep configures the copy action. Move steps reuse this same shape
// (see SPEC_FULL.md: move == copy + verified delete of the source).
type CopyStep struct {
	Destination        string `json:"destination" validate:"required"`
	Overwrite          bool   `json:"overwrite"`
	CreateDirectories  bool   `json:"createDirectories"`
	PreserveTimestamps bool   `json:"preserveTimestamps"`
	VerifyChecksum     bool   `json:"verifyChecksum"`
	AtomicMove         bool   `json:"atomicMove"`
	RenamePattern       string `json:"renamePattern,omitempty"`
}

// ArchiveStep configures the archive action (zip or gzip).
type ArchiveStep struct {
	Destination      string `json:"destination" validate:"required"`
	Format           string `json:"format" validate:"required,oneof=zip gzip"`
	CompressionLevel int    `json:"compressionLevel"`
	ConflictStrategy string `json:"conflictStrategy" validate:"omitempty,oneof=rename overwrite skip incrementNumber"`
	DeleteOriginal   bool   `json:"deleteOriginal"`
	AppendToExisting bool   `json:"appendToExisting"`
	MaxArchiveBytes  int64  `json:"maxArchiveBytes,omitempty"`
	VerifyArchive    bool   `json:"verifyArchive"`
}

// DeleteStep configures the delete action.
type DeleteStep struct {
	Secure        bool   `json:"secure,omitempty"`
	MinAgeMinutes int    `json:"minAgeMinutes,omitempty"`
	Pattern       string `json:"pattern,omitempty"`
}

// PrintStep hands the file to the platform print subsystem.
type PrintStep struct {
	PrinterName    string            `json:"printerName" validate:"required"`
	Copies         int               `json:"copies" validate:"min=1"`
	TimeoutSeconds int               `json:"timeoutSeconds" validate:"min=1"`
	Options        map[string]string `json:"options,omitempty"`
}

// HTTPStep performs an outbound HTTP call as a pipeline step.
type HTTPStep struct {
	Method           string            `json:"method" validate:"required"`
	URL              string            `json:"url" validate:"required"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             string            `json:"body,omitempty"`
	SendFileMode     string            `json:"sendFileMode" validate:"omitempty,oneof=none raw multipart"`
	FormFieldName    string            `json:"formFieldName,omitempty"`
	Auth             string            `json:"auth" validate:"omitempty,oneof=none bearer basic apiKey"`
	AuthToken        string            `json:"authToken,omitempty"`
	AuthUser         string            `json:"authUser,omitempty"`
	AuthPass         string            `json:"authPass,omitempty"`
	APIKeyHeader     string            `json:"apiKeyHeader,omitempty"`
	TimeoutSeconds   int               `json:"timeoutSeconds" validate:"min=1"`
	MaxRedirects     int               `json:"maxRedirects"`
	ValidateTLS      bool              `json:"validateTls"`
	ResponseVariable string            `json:"responseVariable,omitempty"`
	StatusVariable   string            `json:"statusVariable,omitempty"`
	FailOnNonSuccess bool              `json:"failOnNonSuccess"`
	Retry            *RetryPolicy      `json:"retry,omitempty"`
}

// StepType is the tagged-union discriminator for a pipeline step.
type StepType string

const (
	StepTypeCopy     StepType = "copy"
	StepTypeMove     StepType = "move"
	StepTypeArchive  StepType = "archive"
	StepTypeDelete   StepType = "delete"
	StepTypePrint    StepType = "print"
	StepTypeHTTP     StepType = "http"
	StepTypeDecision StepType = "decision"
)

// Step is one entry of a task's pipeline. Exactly one of the typed
// fields matching Type should be populated; the decoder also accepts an
// omitted Type and infers it from whichever sub-object is present.
type Step struct {
	Type           StepType       `json:"type,omitempty"`
	Name           string         `json:"name,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty" validate:"omitempty,min=1,max=3600"`
	Retry          *RetryPolicy   `json:"retry,omitempty"`
	Condition      *StepCondition `json:"condition,omitempty"`

	Copy     *CopyStep     `json:"copy,omitempty"`
	Move     *CopyStep     `json:"move,omitempty"`
	Archive  *ArchiveStep  `json:"archive,omitempty"`
	Delete   *DeleteStep   `json:"delete,omitempty"`
	Print    *PrintStep    `json:"print,omitempty"`
	HTTP     *HTTPStep     `json:"http,omitempty"`
	Decision *DecisionStep `json:"decision,omitempty"`
}

// IsEnabled reports whether the step should run; steps are enabled by
// default (Enabled == nil).
func (s *Step) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Task is one watch+pipeline definition.
type Task struct {
	ID            string     `json:"id" validate:"required"`
	Enabled       bool       `json:"enabled"`
	Watch         WatchSpec  `json:"watch"`
	Variables     []Variable `json:"variables,omitempty"`
	Pipeline      []Step     `json:"pipeline"`
	MaxConcurrent int        `json:"maxConcurrent,omitempty" validate:"omitempty,min=1"`
}

// LoggingCfg controls process log level.
type LoggingCfg struct {
	Level string `json:"level" validate:"omitempty,oneof=debug info warn error"`
}

// MetricsCfg is passthrough configuration for the (out-of-scope) metrics
// exporter; cronplus itself never starts a listener for this.
type MetricsCfg struct {
	EnablePrometheus bool   `json:"enablePrometheus"`
	Listen           string `json:"listen,omitempty"`
}

// RuntimeCfg controls process-wide runtime defaults.
type RuntimeCfg struct {
	MaxConcurrentPerTask int    `json:"maxConcurrentPerTask"`
	StateDbPath          string `json:"stateDbPath,omitempty"`
	DeadLetterDir        string `json:"deadLetterDir,omitempty"`
}

// Config is the root JSON document.
type Config struct {
	Version int        `json:"version" validate:"required,min=1"`
	Logging LoggingCfg `json:"logging"`
	Runtime RuntimeCfg `json:"runtime"`
	Metrics MetricsCfg `json:"metrics"`
	Tasks   []Task     `json:"tasks" validate:"required,min=1,dive"`
}

// Hash is a content fingerprint of a task definition, used by the
// reconciler to decide whether a running supervisor must be replaced.
// It is the hex SHA-256 of the task's JSON encoding.
func (t Task) Hash() string {
	return taskHash(t)
}
