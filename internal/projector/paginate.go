package projector

const (
	minPageSize     = 10
	maxPageSize     = 100
	defaultPageSize = 50
)

// paginationResult mirrors the trailing pagination record spec.md
// §4.7 defines; it is only emitted for page >= 1.
type paginationResult struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	NextPage   *int `json:"next_page"`
}

func clampPageSize(pageSize int) int {
	if pageSize <= 0 {
		return defaultPageSize
	}
	if pageSize < minPageSize {
		return minPageSize
	}
	if pageSize > maxPageSize {
		return maxPageSize
	}
	return pageSize
}

// paginate slices records for page (page=0 means "return everything,
// no pagination record"). totalPages is computed against the full,
// already-filtered record count regardless of whether page=0.
func paginate(records []rawRecord, page, pageSize int) ([]rawRecord, *paginationResult) {
	total := len(records)
	pageSize = clampPageSize(pageSize)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}

	if page <= 0 {
		return records, nil
	}

	start := (page - 1) * pageSize
	if start >= total {
		return nil, &paginationResult{Page: page, PageSize: pageSize, TotalPages: totalPages, HasNext: false, NextPage: nil}
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	hasNext := end < total
	var nextPage *int
	if hasNext {
		n := page + 1
		nextPage = &n
	}

	return records[start:end], &paginationResult{
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
		HasNext:    hasNext,
		NextPage:   nextPage,
	}
}
