package pmcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaginate(t *testing.T) {
	sorted := []string{"a", "b", "c", "d", "e"}

	var pages [][]string
	cursor := ""
	for {
		page, next, err := paginate(sorted, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
		if next == "" {
			break
		}
		cursor = next
	}

	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, pages)
}

func TestPaginateInvalidCursor(t *testing.T) {
	_, _, err := paginate([]string{"a"}, "not base64!!", 2)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, CodeInvalidParams, werr.Code)
}

func TestPaginateEmpty(t *testing.T) {
	page, next, err := paginate(nil, "", 10)
	require.NoError(t, err)
	require.Empty(t, page)
	require.Empty(t, next)
}

func TestMatchURITemplate(t *testing.T) {
	testCases := []struct {
		template string
		uri      string
		want     bool
	}{
		{"file:///{path}", "file:///tmp/notes.txt", true},
		{"file:///{path}", "file:///", false},
		{"db://{table}/{id}", "db://users/42", true},
		{"db://{table}/{id}", "db://users", false},
		{"db://{table}/{id}", "http://users/42", false},
		{"mem://fixed", "mem://fixed", true},
		{"mem://fixed", "mem://other", false},
		{"api://{version}/items", "api://v1/items", true},
		{"api://{version}/items", "api://v1/other", false},
	}

	for _, tc := range testCases {
		t.Run(tc.template+" vs "+tc.uri, func(t *testing.T) {
			require.Equal(t, tc.want, matchURITemplate(tc.template, tc.uri))
		})
	}
}

func TestMissingArguments(t *testing.T) {
	prompt := Prompt{
		Name: "p",
		Arguments: []PromptArgument{
			{Name: "req1", Required: true},
			{Name: "req2", Required: true},
			{Name: "opt", Required: false},
		},
	}

	require.Empty(t, missingArguments(prompt, map[string]string{"req1": "x", "req2": "y"}))
	require.Equal(t, []string{"req2"}, missingArguments(prompt, map[string]string{"req1": "x"}))
	require.Len(t, missingArguments(prompt, nil), 2)
}

func TestServerCapabilitiesDerived(t *testing.T) {
	s := NewServer(Info{Name: "s", Version: "1"})
	require.Equal(t, ServerCapabilities{}, s.Capabilities())

	s.AddTool(Tool{Name: "t"}, nil)
	caps := s.Capabilities()
	require.NotNil(t, caps.Tools)
	require.True(t, caps.Tools.ListChanged)
	require.Nil(t, caps.Resources)

	s.AddResource(Resource{URI: "mem://x", Name: "x"}, nil)
	caps = s.Capabilities()
	require.NotNil(t, caps.Resources)
	require.True(t, caps.Resources.Subscribe)

	s.RemoveTool("t")
	require.Nil(t, s.Capabilities().Tools)
}
