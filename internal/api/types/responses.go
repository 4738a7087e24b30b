package types

// APIResponse is the envelope every JSON endpoint answers with.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta carries the request id and, on list endpoints, the paging window.
type Meta struct {
	RequestID  string `json:"request_id,omitempty"`
	Page       int    `json:"page,omitempty"`
	PageSize   int    `json:"page_size,omitempty"`
	Total      int64  `json:"total"`
	TotalPages int    `json:"total_pages,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// PageMeta describes one page of a list of total items.
func PageMeta(requestID string, page, pageSize int, total int64) *Meta {
	m := &Meta{RequestID: requestID, Page: page, PageSize: pageSize, Total: total}
	if pageSize > 0 {
		m.TotalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
		m.HasMore = int64(page)*int64(pageSize) < total
	}
	return m
}

func OK(requestID string, data any) APIResponse {
	return APIResponse{Success: true, Data: data, Meta: &Meta{RequestID: requestID}}
}

func Page(requestID string, data any, page, pageSize int, total int64) APIResponse {
	return APIResponse{Success: true, Data: data, Meta: PageMeta(requestID, page, pageSize, total)}
}

func Fail(requestID string, e *APIError) APIResponse {
	return APIResponse{Success: false, Error: e, Meta: &Meta{RequestID: requestID}}
}
