package tool

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/catalog"
	"github.com/helpdeskops/triage/pkg/agent"
)

const (
	SearchCatalogToolName     = "search_catalog"
	DefaultCatalogSearchLimit = 3
	MaxCatalogSearchLimit     = 5
	MinCatalogSimilarityScore = 0.25
)

const searchCatalogDescription = `Search the runbook catalog for remediation scripts matching a problem description.

Use this to explore which runbooks exist before committing to diagnose_issue or analyze_issue.
Matches are semantic; the query does not need to repeat a runbook's exact wording.

Examples:
- search_catalog(query="mail client will not start") → Outlook diagnostic runbooks
- search_catalog(query="disk almost full", tag="storage") → disk cleanup runbooks`

// CatalogSearchResult represents a single catalog search result.
type CatalogSearchResult struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Tags            []string `json:"tags"`
	Systems         []string `json:"systems"`
	Script          string   `json:"script"`
	FilePath        string   `json:"file_path"`
	SimilarityScore float64  `json:"similarity_score"`
}

// SearchCatalogResponse is the response from the search_catalog tool.
type SearchCatalogResponse struct {
	Query         string                 `json:"query"`
	TagFilter     string                 `json:"tag_filter,omitempty"`
	TotalMatches  int                    `json:"total_matches"`
	Results       []*CatalogSearchResult `json:"results"`
	AvailableTags []string               `json:"available_tags"`
}

type searchCatalogHandler struct {
	log        logrus.FieldLogger
	index      *agent.SemanticIndex
	catalogReg *catalog.Registry
}

// NewSearchCatalogTool creates the search_catalog MCP tool.
func NewSearchCatalogTool(
	log logrus.FieldLogger,
	index *agent.SemanticIndex,
	catalogReg *catalog.Registry,
) Definition {
	h := &searchCatalogHandler{
		log:        log.WithField("tool", SearchCatalogToolName),
		index:      index,
		catalogReg: catalogReg,
	}

	return Definition{
		Tool: mcp.Tool{
			Name:        SearchCatalogToolName,
			Description: searchCatalogDescription,
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search term or phrase to find semantically similar runbooks",
					},
					"tag": map[string]any{
						"type":        "string",
						"description": "Optional: filter to runbooks with a specific tag (e.g., 'outlook', 'network')",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum results to return (default: 3, max: 5)",
						"minimum":     1,
						"maximum":     MaxCatalogSearchLimit,
					},
				},
				Required: []string{"query"},
			},
		},
		Handler: h.handle,
	}
}

func (h *searchCatalogHandler) handle(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h.log.Debug("Handling search_catalog request")

	query := request.GetString("query", "")
	if query == "" {
		return CallToolError(fmt.Errorf("query is required and cannot be empty")), nil
	}

	tagFilter := request.GetString("tag", "")

	limit := request.GetInt("limit", DefaultCatalogSearchLimit)
	if limit <= 0 {
		limit = DefaultCatalogSearchLimit
	}

	if limit > MaxCatalogSearchLimit {
		limit = MaxCatalogSearchLimit
	}

	// Get available tags for the response.
	availableTags := h.catalogReg.Tags()
	sort.Strings(availableTags)

	// Validate tag filter if provided.
	if tagFilter != "" && !slices.Contains(availableTags, tagFilter) {
		return CallToolError(fmt.Errorf(
			"unknown tag: %q. Available tags: %s",
			tagFilter,
			strings.Join(availableTags, ", "),
		)), nil
	}

	// Perform semantic search.
	matches, err := h.index.Search(query, limit*2) // Fetch extra to account for filtering
	if err != nil {
		return CallToolError(fmt.Errorf("search failed: %w", err)), nil
	}

	// Filter by tag if specified.
	if tagFilter != "" {
		filtered := make([]agent.CatalogMatch, 0, len(matches))
		for _, m := range matches {
			if slices.Contains(m.Entry.Tags, tagFilter) {
				filtered = append(filtered, m)
			}
		}

		matches = filtered
	}

	// Apply limit after filtering.
	if len(matches) > limit {
		matches = matches[:limit]
	}

	// Build response.
	results := make([]*CatalogSearchResult, 0, len(matches))

	for _, m := range matches {
		if m.Score < MinCatalogSimilarityScore {
			continue
		}

		results = append(results, &CatalogSearchResult{
			Name:            m.Entry.Name,
			Description:     m.Entry.Description,
			Tags:            m.Entry.Tags,
			Systems:         m.Entry.Systems,
			Script:          m.Entry.Content,
			FilePath:        m.Entry.FilePath,
			SimilarityScore: m.Score,
		})
	}

	response := &SearchCatalogResponse{
		Query:         query,
		TagFilter:     tagFilter,
		TotalMatches:  len(results),
		Results:       results,
		AvailableTags: availableTags,
	}

	h.log.WithFields(logrus.Fields{
		"query":   query,
		"matches": len(results),
	}).Debug("Catalog search completed")

	return marshalResult(response)
}
