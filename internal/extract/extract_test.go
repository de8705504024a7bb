package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/voice-agent/internal/domain"
	"github.com/ashureev/voice-agent/internal/llm"
	"github.com/ashureev/voice-agent/internal/schema"
)

type fakeCompleter struct {
	out  string
	err  error
	msgs []domain.Message
	opts llm.Options
}

func (f *fakeCompleter) Complete(_ context.Context, msgs []domain.Message, opts llm.Options) (string, error) {
	f.msgs = msgs
	f.opts = opts
	return f.out, f.err
}

func TestExtractValidatesUntrustedOutput(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{out: `{"brand":"ABC品牌","industry":null,"tone":42,"bogus":"x","channels":"电话和短信"}`}
	res := New(fc, schema.Default(), nil).Extract(context.Background(), "我们是ABC品牌")

	if res["brand"] != "ABC品牌" {
		t.Fatalf("expected brand, got %q", res["brand"])
	}
	if res["channels"] != schema.ChannelBoth {
		t.Fatalf("expected normalized channels, got %q", res["channels"])
	}
	for _, k := range []string{"industry", "tone", "bogus"} {
		if _, ok := res[k]; ok {
			t.Errorf("key %q must be dropped", k)
		}
	}
	if !fc.opts.JSON {
		t.Fatal("expected a JSON-object request")
	}
	if fc.msgs[0].Role != domain.RoleSystem || fc.msgs[1].Content != "我们是ABC品牌" {
		t.Fatalf("unexpected messages %+v", fc.msgs)
	}
}

func TestExtractFailsSoft(t *testing.T) {
	t.Parallel()

	cases := map[string]*fakeCompleter{
		"call error":  {err: errors.New("boom")},
		"not json":    {out: "I think the brand is ABC"},
		"json array":  {out: `["brand"]`},
		"empty reply": {out: ""},
	}
	for name, fc := range cases {
		res := New(fc, schema.Default(), nil).Extract(context.Background(), "hello")
		if res == nil || len(res) != 0 {
			t.Errorf("%s: expected empty result, got %v", name, res)
		}
	}
}

func TestExtractSkipsBlankUtterance(t *testing.T) {
	t.Parallel()

	fc := &fakeCompleter{out: `{"brand":"x"}`}
	res := New(fc, schema.Default(), nil).Extract(context.Background(), "   ")
	if len(res) != 0 || fc.msgs != nil {
		t.Fatalf("expected no call and empty result, got %v", res)
	}
}

func TestParseStripsCodeFence(t *testing.T) {
	t.Parallel()

	e := New(&fakeCompleter{}, schema.Default(), nil)
	res, err := e.Parse("```json\n{\"audience\": \" 中小电商 \"}\n```")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res["audience"] != "中小电商" {
		t.Fatalf("unexpected audience %q", res["audience"])
	}
}
