package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const (
	braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
	defaultUserAgent    = "SirChatalot"
	maxFetchBytes       = 2 << 20
	defaultSearchCount  = 5
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type webSearchInput struct {
	Query string `json:"query" required:"true" description:"Search query text"`
}

// WebSearchTool searches the web and returns structured text results for the LLM.
type WebSearchTool struct {
	Client   *http.Client
	Provider string
	APIKey   string
	// Endpoint overrides the Brave API URL.
	Endpoint string
	Count    int
}

// Name returns the tool name.
func (t WebSearchTool) Name() string {
	return "web_search"
}

// Description returns the tool description for the model.
func (t WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, links and snippets."
}

// Schema returns the JSON schema for web_search args.
func (t WebSearchTool) Schema() map[string]any {
	return reflectSchema(webSearchInput{})
}

// Execute performs a provider-backed web search and returns text results.
func (t WebSearchTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var in webSearchInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, errors.New("query is required")
	}

	results, err := t.Search(ctx, in.Query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New("no results")
	}

	var out strings.Builder
	for i, result := range results {
		if i > 0 {
			out.WriteString("\n\n")
		}
		fmt.Fprintf(&out, "%d. %s\nURL: %s", i+1, result.Title, result.Link)
		if result.Snippet != "" {
			out.WriteString("\nSnippet: ")
			out.WriteString(result.Snippet)
		}
	}
	return TruncateOutput(out.String(), 0), nil
}

// Search queries the configured provider.
func (t WebSearchTool) Search(ctx context.Context, query string) ([]SearchResult, error) {
	provider := strings.ToLower(strings.TrimSpace(t.Provider))
	if provider == "" {
		provider = "brave"
	}
	if provider != "brave" {
		return nil, fmt.Errorf("unsupported web.search.provider %q", provider)
	}
	if strings.TrimSpace(t.APIKey) == "" {
		return nil, errors.New("web.search.api_key is required")
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = braveSearchEndpoint
	}
	count := t.Count
	if count <= 0 {
		count = defaultSearchCount
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprint(count))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.APIKey)
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search request failed: %s", resp.Status)
	}

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = "(untitled)"
		}
		results = append(results, SearchResult{
			Title:   title,
			Link:    strings.TrimSpace(r.URL),
			Snippet: stripTags(r.Description),
		})
	}
	return results, nil
}

type urlOpenerInput struct {
	URL string `json:"url" required:"true" description:"Absolute http or https URL of the page to read"`
}

// URLOpenerTool downloads a web page and returns its readable text.
type URLOpenerTool struct {
	Client    *http.Client
	MaxOutput int
}

// Name returns the tool name.
func (t URLOpenerTool) Name() string {
	return "url_opener"
}

// Description returns the tool description for the model.
func (t URLOpenerTool) Description() string {
	return "Open a web page by URL and return its main text as Markdown."
}

// Schema returns the JSON schema for url_opener args.
func (t URLOpenerTool) Schema() map[string]any {
	return reflectSchema(urlOpenerInput{})
}

// Execute fetches the page and extracts its text.
func (t URLOpenerTool) Execute(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var in urlOpenerInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	parsed, err := url.Parse(strings.TrimSpace(in.URL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid url %q", in.URL)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", parsed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", parsed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: %s", parsed, resp.Status)
	}

	text := string(body)
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "html") {
		text, err = htmlToMarkdown(text)
		if err != nil {
			return nil, err
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("page %s has no readable text", parsed)
	}
	return TruncateOutput(text, t.MaxOutput), nil
}

// htmlToMarkdown drops non-content elements and converts the rest to Markdown.
func htmlToMarkdown(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, nav, footer, iframe, svg, form").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	selection := doc.Find("main, article").First()
	if selection.Length() == 0 {
		selection = doc.Find("body")
	}

	converter := md.NewConverter("", true, nil)
	markdown := converter.Convert(selection)
	if strings.TrimSpace(markdown) == "" {
		return strings.TrimSpace(selection.Text()), nil
	}
	return markdown, nil
}

func stripTags(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(doc.Text())
}
