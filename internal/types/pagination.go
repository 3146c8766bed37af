package types

// PageInfo contains offset pagination metadata for list responses.
type PageInfo struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListResponse is a generic paginated response wrapper.
type ListResponse[T any] struct {
	Data     []T      `json:"data"`
	PageInfo PageInfo `json:"pagination"`
}

// Paginate slices items by offset and limit. A non-positive limit returns
// everything from offset on.
func Paginate[T any](items []T, offset, limit int) ([]T, PageInfo) {
	total := len(items)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return items[offset:end], PageInfo{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: end < total,
	}
}
