package model

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region ops

// ServiceName is the fully-qualified gRPC service of the model collaborator.
const ServiceName = "persona.model.v1.ModelService"

const (
	OpClassify = "Classify"
	OpGenerate = "Generate"
	OpJudge    = "Judge"
	OpRewrite  = "Rewrite"
	OpSearch   = "Search"
	OpRender   = "Render"
)

// #endregion ops

// #region types

// Candidate is one workflow score returned by Classify.
type Candidate struct {
	WorkflowID string
	Intent     string
	Score      float64
}

// GenerateResult holds a draft answer.
type GenerateResult struct {
	Text      string
	Citations []string
}

// JudgeScores are the model-scored persona dimensions.
type JudgeScores struct {
	Structure float64
	Voice     float64
}

// SearchResult is one evidence chunk.
type SearchResult struct {
	ID         string
	Text       string
	Score      float64
	CitationID string
}

// #endregion types

// #region client-struct

// Client wraps the gRPC connection to the model service. Messages are
// google.protobuf.Struct so no generated stubs are needed.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// NewClient dials the model service at addr.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, closer: conn.Close, timeout: timeout}, nil
}

// NewClientWithConn wraps an existing connection. Used in tests.
func NewClientWithConn(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	return &Client{conn: conn, timeout: timeout}
}

// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// #endregion client-struct

// #region invoke

func (c *Client) invoke(ctx context.Context, op string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, &Error{Op: op, Kind: KindRejected, Err: fmt.Errorf("encode request: %w", err)}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+op, in, out); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// #endregion invoke

// #region classify

// Classify scores the message against the named workflows.
func (c *Client) Classify(ctx context.Context, text string, workflows []string) ([]Candidate, error) {
	wf := make([]any, len(workflows))
	for i, w := range workflows {
		wf[i] = w
	}
	out, err := c.invoke(ctx, OpClassify, map[string]any{"text": text, "workflows": wf})
	if err != nil {
		return nil, err
	}
	list := out.GetFields()["candidates"].GetListValue()
	if list == nil {
		return nil, malformed(OpClassify, "missing candidates")
	}
	cands := make([]Candidate, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()
		id := f["workflow_id"].GetStringValue()
		if id == "" {
			return nil, malformed(OpClassify, "candidate without workflow_id")
		}
		score := f["score"].GetNumberValue()
		if score < 0 || score > 1 {
			return nil, malformed(OpClassify, "score %v out of range", score)
		}
		cands = append(cands, Candidate{
			WorkflowID: id,
			Intent:     f["intent"].GetStringValue(),
			Score:      score,
		})
	}
	return cands, nil
}

// #endregion classify

// #region generate

// Generate produces a draft answer from the rendered persona prompt.
func (c *Client) Generate(ctx context.Context, systemPrompt, message string, evidence []string) (GenerateResult, error) {
	ev := make([]any, len(evidence))
	for i, e := range evidence {
		ev[i] = e
	}
	out, err := c.invoke(ctx, OpGenerate, map[string]any{
		"system":   systemPrompt,
		"message":  message,
		"evidence": ev,
	})
	if err != nil {
		return GenerateResult{}, err
	}
	f := out.GetFields()
	text, ok := f["text"]
	if !ok {
		return GenerateResult{}, malformed(OpGenerate, "missing text")
	}
	return GenerateResult{
		Text:      text.GetStringValue(),
		Citations: stringList(f["citations"]),
	}, nil
}

// #endregion generate

// #region judge

// Judge scores a draft against the persona document.
func (c *Client) Judge(ctx context.Context, draft, personaDoc, interaction string) (JudgeScores, error) {
	out, err := c.invoke(ctx, OpJudge, map[string]any{
		"draft":       draft,
		"persona":     personaDoc,
		"interaction": interaction,
	})
	if err != nil {
		return JudgeScores{}, err
	}
	f := out.GetFields()
	s, ok1 := f["structure"]
	v, ok2 := f["voice"]
	if !ok1 || !ok2 {
		return JudgeScores{}, malformed(OpJudge, "missing scores")
	}
	return JudgeScores{Structure: s.GetNumberValue(), Voice: v.GetNumberValue()}, nil
}

// #endregion judge

// #region rewrite

// Rewrite asks the model to revise a draft following directives.
func (c *Client) Rewrite(ctx context.Context, draft string, directives []string) (string, error) {
	d := make([]any, len(directives))
	for i, s := range directives {
		d[i] = s
	}
	out, err := c.invoke(ctx, OpRewrite, map[string]any{"draft": draft, "directives": d})
	if err != nil {
		return "", err
	}
	text := out.GetFields()["text"].GetStringValue()
	if text == "" {
		return "", malformed(OpRewrite, "empty rewrite")
	}
	return text, nil
}

// #endregion rewrite

// #region search

// Search queries the retrieval collaborator for ranked evidence.
func (c *Client) Search(ctx context.Context, twinID, query string, topK int) ([]SearchResult, error) {
	out, err := c.invoke(ctx, OpSearch, map[string]any{
		"twin_id": twinID,
		"query":   query,
		"top_k":   float64(topK),
	})
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	for _, v := range out.GetFields()["results"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		results = append(results, SearchResult{
			ID:         f["id"].GetStringValue(),
			Text:       f["text"].GetStringValue(),
			Score:      f["score"].GetNumberValue(),
			CitationID: f["citation_id"].GetStringValue(),
		})
	}
	return results, nil
}

// #endregion search

// #region render

// Render asks the model to rewrite a persona rendering for a strategy.
func (c *Client) Render(ctx context.Context, rendering, strategy string) (string, error) {
	out, err := c.invoke(ctx, OpRender, map[string]any{"rendering": rendering, "strategy": strategy})
	if err != nil {
		return "", err
	}
	text := out.GetFields()["text"].GetStringValue()
	if text == "" {
		return "", malformed(OpRender, "empty rendering")
	}
	return text, nil
}

// #endregion render

// #region helpers

func stringList(v *structpb.Value) []string {
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		if s := item.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// #endregion helpers
