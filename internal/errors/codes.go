package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category 对错误进行分类，调用方据此决定是否以及何时重新提交。
type Category string

const (
	// CategoryConfiguration 表示输入不合法，不修改输入无法重试。
	CategoryConfiguration Category = "configuration"
	// CategoryTiming 表示条件暂未满足，时间推移后可重试。
	CategoryTiming Category = "timing"
	// CategoryBalance 表示余额不足，可换更小的金额重试。
	CategoryBalance       Category = "balance"
	CategoryAuthorization Category = "authorization"
	CategoryLookup        Category = "lookup"
	// CategoryInfrastructure 表示存储、队列等基础设施故障。
	CategoryInfrastructure Category = "infrastructure"
	CategoryInternal       Category = "internal"
)

// Retryable 返回该分类的默认重试语义。
func (c Category) Retryable() bool {
	switch c {
	case CategoryTiming, CategoryBalance, CategoryInfrastructure:
		return true
	default:
		return false
	}
}

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Category  Category
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var registry = struct {
	sync.RWMutex
	attrs map[Code]Attributes
}{attrs: make(map[Code]Attributes)}

func init() {
	builtin := []struct {
		code     Code
		message  string
		severity Severity
		category Category
		alert    bool
	}{
		{CodeUnknown, "unknown error", SeverityCritical, CategoryInternal, true},
		{CodeInvalidArgument, "invalid argument", SeverityInfo, CategoryConfiguration, false},
		{CodeNotFound, "resource not found", SeverityInfo, CategoryLookup, false},
		{CodeConflict, "resource conflict", SeverityWarning, CategoryConfiguration, false},
		{CodeUnauthorized, "caller is not authorized", SeverityWarning, CategoryAuthorization, false},
		{CodeInitializationFailure, "service not initialized", SeverityWarning, CategoryInfrastructure, true},
		{CodeStorageFailure, "storage failure", SeverityCritical, CategoryInfrastructure, true},
		{CodeQueueFailure, "queue failure", SeverityCritical, CategoryInfrastructure, true},
		{CodeTimeout, "operation timed out", SeverityWarning, CategoryInfrastructure, true},
	}
	for _, b := range builtin {
		Register(b.code, Attributes{
			Message:   b.message,
			Severity:  b.severity,
			Category:  b.category,
			Retryable: b.category.Retryable(),
			Alert:     b.alert,
		})
	}
}

// Register 供业务包在 init 中登记错误码。未指定分类时归为 internal，
// 未指定严重程度时记为 warning。重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	if attr.Category == "" {
		attr.Category = CategoryInternal
	}
	if attr.Severity == "" {
		attr.Severity = SeverityWarning
	}
	registry.Lock()
	registry.attrs[code] = attr
	registry.Unlock()
}

// AttributesOf 返回错误码对应的属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registry.RLock()
	defer registry.RUnlock()
	if attr, ok := registry.attrs[code]; ok {
		return attr
	}
	return registry.attrs[CodeUnknown]
}
