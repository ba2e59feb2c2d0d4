package supervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

func TestSplitText_ShardsOnParagraphs(t *testing.T) {
	payload := types.TextPayload("one\n\ntwo\n\nthree\n\nfour")

	shards := SplitText(payload, 2)
	require.Len(t, shards, 2)
	require.Equal(t, "one\n\ntwo", shards[0].Text())
	require.Equal(t, "three\n\nfour", shards[1].Text())
}

func TestSplitText_FallsBackToLines(t *testing.T) {
	payload := types.TextPayload("alpha\nbeta")

	shards := SplitText(payload, 2)
	require.Len(t, shards, 2)
	require.Equal(t, "alpha", shards[0].Text())
	require.Equal(t, "beta", shards[1].Text())
}

func TestSplitText_LineShardsRoundTrip(t *testing.T) {
	text := "alpha\nbeta\ngamma\ndelta\nepsilon"

	shards := SplitText(types.TextPayload(text), 2)
	require.Len(t, shards, 2)
	require.Equal(t, "alpha\nbeta\ngamma", shards[0].Text())
	require.Equal(t, "delta\nepsilon", shards[1].Text())

	texts := make([]string, len(shards))
	for i, s := range shards {
		texts[i] = s.Text()
	}
	require.Equal(t, text, strings.Join(texts, "\n"))
}

func TestSplitText_KeepsUnsplittablePayloadWhole(t *testing.T) {
	single := SplitText(types.TextPayload("indivisible"), 4)
	require.Len(t, single, 1)
	require.Equal(t, "indivisible", single[0].Text())

	binary := SplitText(types.Payload{MIME: "application/octet-stream", Data: []byte{1, 2, 3}}, 4)
	require.Len(t, binary, 1)

	require.Len(t, SplitText(types.TextPayload("a\n\nb"), 1), 1)
}

func TestSplitText_ShardsPreserveContent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,12}`), 2, 12).Draw(t, "parts")
		n := rapid.IntRange(2, 6).Draw(t, "n")

		text := strings.Join(parts, "\n\n")
		shards := SplitText(types.TextPayload(text), n)

		require.LessOrEqual(t, len(shards), n)
		texts := make([]string, len(shards))
		for i, s := range shards {
			texts[i] = s.Text()
		}
		require.Equal(t, text, strings.Join(texts, "\n\n"))
	})
}

func TestMergePayloads_JoinsTextWithNewlines(t *testing.T) {
	merged := MergePayloads([]types.Payload{
		types.TextPayload("first"),
		types.TextPayload("second"),
	})
	require.Equal(t, "first\nsecond", merged.Text())
}

func TestMergePayloads_BuildsJSONArray(t *testing.T) {
	a, err := types.JSONPayload(map[string]int{"a": 1})
	require.NoError(t, err)
	b, err := types.JSONPayload(map[string]int{"b": 2})
	require.NoError(t, err)

	merged := MergePayloads([]types.Payload{a, b})
	require.Equal(t, "application/json", merged.MIME)
	require.JSONEq(t, `[{"a":1},{"b":2}]`, merged.Text())
}

func TestMergePayloads_MixedTypesFallBackToText(t *testing.T) {
	j, err := types.JSONPayload(map[string]int{"a": 1})
	require.NoError(t, err)

	merged := MergePayloads([]types.Payload{j, types.TextPayload("plain")})
	require.Equal(t, `{"a":1}`+"\nplain", merged.Text())
	require.True(t, strings.HasPrefix(merged.MIME, "text/plain"))
}

func TestMergePayloads_SinglePayloadPassesThrough(t *testing.T) {
	p := types.TextPayload("only")
	require.Equal(t, p, MergePayloads([]types.Payload{p}))
}
