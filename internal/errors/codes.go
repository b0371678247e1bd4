// Package errors provides structured error handling for the DataFactory service.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (database, index files)
//   - 3XX: Dependency errors (LLM, embedder, reranker, webhook targets)
//   - 4XX: Validation, not-found and conflict errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
// Categories map onto HTTP status classes at the API boundary.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates database and index-file errors.
	CategoryStorage Category = "STORAGE"
	// CategoryDependency indicates errors from external collaborators.
	CategoryDependency Category = "DEPENDENCY"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryNotFound indicates missing documents, jobs, or index keys.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryConflict indicates version or dimension conflicts on live state.
	CategoryConflict Category = "CONFLICT"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"
	ErrCodeNoStrategies   = "ERR_103_NO_STRATEGIES_REGISTERED"

	// Storage errors (200-299)
	ErrCodeStoreClosed   = "ERR_201_STORE_CLOSED"
	ErrCodeTxFailed      = "ERR_202_TX_FAILED"
	ErrCodeIndexCorrupt  = "ERR_203_INDEX_CORRUPT"
	ErrCodeIndexSave     = "ERR_204_INDEX_SAVE_FAILED"
	ErrCodeLockTimeout   = "ERR_205_LOCK_TIMEOUT"
	ErrCodeStoreConflict = "ERR_206_STORE_CONFLICT"

	// Dependency errors (300-399)
	ErrCodeEmbedUnavailable  = "ERR_301_EMBEDDER_UNAVAILABLE"
	ErrCodeLLMUnavailable    = "ERR_302_LLM_UNAVAILABLE"
	ErrCodeRerankUnavailable = "ERR_303_RERANKER_UNAVAILABLE"
	ErrCodeWebhookFailed     = "ERR_304_WEBHOOK_FAILED"
	ErrCodeDependencyTimeout = "ERR_305_DEPENDENCY_TIMEOUT"

	// Validation / not-found / conflict errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDocNotFound       = "ERR_402_DOC_NOT_FOUND"
	ErrCodeJobNotFound       = "ERR_403_JOB_NOT_FOUND"
	ErrCodeIndexNotFound     = "ERR_404_INDEX_NOT_FOUND"
	ErrCodeDimensionMismatch = "ERR_405_DIMENSION_MISMATCH"
	ErrCodeVersionConflict   = "ERR_406_VERSION_CONFLICT"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	ErrCodeChunkingFailed  = "ERR_504_CHUNKING_FAILED"
	ErrCodeRebuildFailed   = "ERR_505_REBUILD_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	switch code {
	case ErrCodeDocNotFound, ErrCodeJobNotFound, ErrCodeIndexNotFound:
		return CategoryNotFound
	case ErrCodeDimensionMismatch, ErrCodeVersionConflict, ErrCodeStoreConflict:
		return CategoryConflict
	}

	if len(code) < 7 {
		return CategoryInternal
	}

	// Numeric portion, e.g. "101" from "ERR_101_CONFIG_NOT_FOUND".
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryDependency
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeIndexCorrupt:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbedUnavailable, ErrCodeLLMUnavailable, ErrCodeRerankUnavailable,
		ErrCodeWebhookFailed, ErrCodeDependencyTimeout, ErrCodeLockTimeout, ErrCodeTxFailed:
		return true
	default:
		return false
	}
}
