package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region mock
type fakeConn struct {
	lastMethod string
	lastReq    *structpb.Struct
	resp       map[string]any
	err        error
	block      bool
}

func (f *fakeConn) Invoke(ctx context.Context, method string, args any, reply any, _ ...grpc.CallOption) error {
	f.lastMethod = method
	f.lastReq = args.(*structpb.Struct)
	if f.block {
		<-ctx.Done()
		return status.Error(codes.DeadlineExceeded, ctx.Err().Error())
	}
	if f.err != nil {
		return f.err
	}
	out, err := structpb.NewStruct(f.resp)
	if err != nil {
		return err
	}
	proto.Merge(reply.(*structpb.Struct), out)
	return nil
}

func (f *fakeConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("streams not supported")
}

// #endregion mock

// #region classify-tests
func TestClassify_Success(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{
		"candidates": []any{
			map[string]any{"workflow_id": "pricing", "intent": "pricing_question", "score": 0.8},
			map[string]any{"workflow_id": "general", "intent": "chat", "score": 0.3},
		},
	}}
	c := NewClientWithConn(conn, time.Second)

	cands, err := c.Classify(context.Background(), "how much?", []string{"pricing", "general"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].WorkflowID != "pricing" || cands[0].Score != 0.8 {
		t.Errorf("unexpected first candidate: %+v", cands[0])
	}
	if conn.lastMethod != "/persona.model.v1.ModelService/Classify" {
		t.Errorf("unexpected method %q", conn.lastMethod)
	}
	if got := conn.lastReq.GetFields()["text"].GetStringValue(); got != "how much?" {
		t.Errorf("request text: got %q", got)
	}
}

func TestClassify_Malformed(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{"nope": true}}
	c := NewClientWithConn(conn, time.Second)

	_, err := c.Classify(context.Background(), "x", nil)
	if KindOf(err) != KindMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestClassify_ScoreOutOfRange(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{
		"candidates": []any{map[string]any{"workflow_id": "a", "score": 4.0}},
	}}
	c := NewClientWithConn(conn, time.Second)

	_, err := c.Classify(context.Background(), "x", nil)
	if KindOf(err) != KindMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}

// #endregion classify-tests

// #region error-kind-tests
func TestInvoke_Unavailable(t *testing.T) {
	conn := &fakeConn{err: status.Error(codes.Unavailable, "down")}
	c := NewClientWithConn(conn, time.Second)

	_, err := c.Generate(context.Background(), "sys", "hi", nil)
	if KindOf(err) != KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	var me *Error
	if !errors.As(err, &me) || me.Op != OpGenerate {
		t.Fatalf("expected *Error for Generate, got %v", err)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	conn := &fakeConn{block: true}
	c := NewClientWithConn(conn, 10*time.Millisecond)

	_, err := c.Judge(context.Background(), "draft", "doc", "owner_chat")
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestInvoke_Rejected(t *testing.T) {
	conn := &fakeConn{err: status.Error(codes.InvalidArgument, "bad")}
	c := NewClientWithConn(conn, time.Second)

	_, err := c.Rewrite(context.Background(), "d", nil)
	if KindOf(err) != KindRejected {
		t.Fatalf("expected rejected, got %v", err)
	}
}

func TestKindOf_ForeignError(t *testing.T) {
	if KindOf(errors.New("x")) != KindUnavailable {
		t.Fatal("foreign errors should map to unavailable")
	}
	if KindOf(context.DeadlineExceeded) != KindTimeout {
		t.Fatal("deadline should map to timeout")
	}
}

// #endregion error-kind-tests

// #region other-rpc-tests
func TestGenerate_Success(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{"text": "hello", "citations": []any{"c1", "c2"}}}
	c := NewClientWithConn(conn, time.Second)

	res, err := c.Generate(context.Background(), "sys", "hi", []string{"ev"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello" || len(res.Citations) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestJudge_MissingScores(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{"structure": 0.5}}
	c := NewClientWithConn(conn, time.Second)

	_, err := c.Judge(context.Background(), "d", "p", "owner_chat")
	if KindOf(err) != KindMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestSearch_Success(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{"results": []any{
		map[string]any{"id": "e1", "text": "refunds within 30 days", "score": 0.9, "citation_id": "doc-1#3"},
	}}}
	c := NewClientWithConn(conn, time.Second)

	res, err := c.Search(context.Background(), "twin", "refund", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || res[0].CitationID != "doc-1#3" {
		t.Fatalf("unexpected results: %+v", res)
	}
}

func TestRender_Empty(t *testing.T) {
	conn := &fakeConn{resp: map[string]any{"text": ""}}
	c := NewClientWithConn(conn, time.Second)

	if _, err := c.Render(context.Background(), "r", "concise"); KindOf(err) != KindMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestCloseWithoutConn(t *testing.T) {
	c := NewClientWithConn(&fakeConn{}, 0)
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// #endregion other-rpc-tests
