package messaging

// ExecuteRequestContent is the content of an "execute_request" message.
type ExecuteRequestContent struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

// ToMap converts the request to the generic content representation carried by a Message.
func (c *ExecuteRequestContent) ToMap() map[string]interface{} {
	userExpressions := c.UserExpressions
	if userExpressions == nil {
		userExpressions = map[string]interface{}{}
	}

	return map[string]interface{}{
		"code":             c.Code,
		"silent":           c.Silent,
		"store_history":    c.StoreHistory,
		"user_expressions": userExpressions,
		"allow_stdin":      c.AllowStdin,
		"stop_on_error":    c.StopOnError,
	}
}

// ExecuteReplyContent is the content of an "execute_reply" message.
type ExecuteReplyContent struct {
	Status         string        `json:"status"`
	ExecutionCount int           `json:"execution_count,omitempty"`
	EName          string        `json:"ename,omitempty"`
	EValue         string        `json:"evalue,omitempty"`
	Traceback      []string      `json:"traceback,omitempty"`
	Payload        []interface{} `json:"payload,omitempty"`
}

// KernelStatusContent is the content of an iopub "status" message.
type KernelStatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// DisplayDataContent is the content of the iopub messages that carry a rich representation:
// "execute_result", "pyout" and "display_data".
type DisplayDataContent struct {
	Data           map[string]interface{} `json:"data"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ExecutionCount int                    `json:"execution_count,omitempty"`
}
