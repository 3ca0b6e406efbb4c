package evaluator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-model-router/models"
)

func response(modelID, content string) *models.ModelResponse {
	return &models.ModelResponse{ModelID: modelID, Content: content, Success: true}
}

func request(prompt string) *models.ModelRequest {
	return &models.ModelRequest{Prompt: prompt}
}

const goodAnswer = "Binary search works by repeatedly halving the sorted " +
	"portion of the array. Each comparison against the middle element " +
	"discards half of the remaining candidates. The search works only on " +
	"sorted arrays, and it finds the target in logarithmic time.\n\n" +
	"That explains why binary search is the standard lookup for sorted data."

func TestCompleteness(t *testing.T) {
	t.Run("empty response scores zero", func(t *testing.T) {
		assert.Zero(t, Completeness(response("m", "   "), request("anything")))
	})

	t.Run("very short response is penalized", func(t *testing.T) {
		assert.InDelta(t, 0.5, Completeness(response("m", "Yes."), request("anything")), 0.001)
	})

	t.Run("refusal phrasing is penalized", func(t *testing.T) {
		content := "I cannot help with that request because it falls outside my remit."
		assert.InDelta(t, 0.6, Completeness(response("m", content), request("anything")), 0.001)
	})

	t.Run("trailing truncation is penalized", func(t *testing.T) {
		content := "The function starts by validating its inputs and then..."
		assert.InDelta(t, 0.8, Completeness(response("m", content), request("anything")), 0.001)
	})

	t.Run("full answer scores one", func(t *testing.T) {
		assert.InDelta(t, 1.0, Completeness(response("m", goodAnswer), request("anything")), 0.001)
	})
}

func TestRelevance(t *testing.T) {
	prompt := request("Explain how binary search works on sorted arrays")

	t.Run("full key-term overlap scores one", func(t *testing.T) {
		assert.InDelta(t, 1.0, Relevance(response("m", goodAnswer), prompt), 0.001)
	})

	t.Run("no overlap scores zero", func(t *testing.T) {
		assert.Zero(t, Relevance(response("m", "Cooking pasta requires a big pot."), prompt))
	})

	t.Run("prompt with no key terms is neutral", func(t *testing.T) {
		assert.InDelta(t, 1.0, Relevance(response("m", "Done."), request("do it now")), 0.001)
	})

	t.Run("empty response scores zero", func(t *testing.T) {
		assert.Zero(t, Relevance(response("m", ""), prompt))
	})
}

func TestCoherence(t *testing.T) {
	t.Run("missing punctuation is penalized", func(t *testing.T) {
		assert.InDelta(t, 0.7, Coherence(response("m", "these words carry no ending punctuation")), 0.001)
	})

	t.Run("heavy repetition is penalized", func(t *testing.T) {
		assert.InDelta(t, 0.6, Coherence(response("m", "spam spam spam spam spam.")), 0.001)
	})

	t.Run("structured prose scores high", func(t *testing.T) {
		assert.InDelta(t, 1.0, Coherence(response("m", goodAnswer)), 0.001)
	})

	t.Run("code blocks read as structure", func(t *testing.T) {
		plain := "Call the helper with the parsed arguments and return its result."
		withCode := plain + "\n```\nresult := helper(args)\n```"
		assert.GreaterOrEqual(t, Coherence(response("m", withCode)), Coherence(response("m", plain)))
	})
}

func TestEvaluateResponse(t *testing.T) {
	svc := New(0.7, 3, zap.NewNop())
	prompt := request("Explain how binary search works on sorted arrays")

	t.Run("good answers score above the threshold", func(t *testing.T) {
		eval := svc.EvaluateResponse(response("gpt-4o", goodAnswer), prompt)
		assert.Equal(t, "gpt-4o", eval.ModelID)
		assert.Greater(t, eval.OverallScore, 0.8)
		// Overall is the weighted component sum
		expected := eval.Completeness*0.40 + eval.Relevance*0.35 + eval.Coherence*0.25
		assert.InDelta(t, expected, eval.OverallScore, 0.001)
	})

	t.Run("bad answers score below the threshold", func(t *testing.T) {
		eval := svc.EvaluateResponse(response("gpt-4o", "error"), prompt)
		assert.Less(t, eval.OverallScore, 0.7)
	})
}

func TestQualityHistoryIsBounded(t *testing.T) {
	svc := New(0.7, 3, zap.NewNop())
	prompt := request("say hi")

	for i := 0; i < 15; i++ {
		svc.EvaluateResponse(response("gpt-4o", goodAnswer), prompt)
	}

	history := svc.QualityHistory("gpt-4o")
	assert.Len(t, history, 10)
}

func TestShouldSwitchModel(t *testing.T) {
	prompt := request("Explain how binary search works on sorted arrays")

	t.Run("stays on a model with good history", func(t *testing.T) {
		svc := New(0.7, 3, zap.NewNop())
		for i := 0; i < 5; i++ {
			svc.EvaluateResponse(response("gpt-4o", goodAnswer), prompt)
		}
		assert.False(t, svc.ShouldSwitchModel("gpt-4o"))
	})

	t.Run("recommends switching after repeated low scores", func(t *testing.T) {
		svc := New(0.7, 3, zap.NewNop())
		for i := 0; i < 3; i++ {
			eval := svc.EvaluateResponse(response("gpt-4o", "error"), prompt)
			require.Less(t, eval.OverallScore, 0.7)
		}
		assert.True(t, svc.ShouldSwitchModel("gpt-4o"))
	})

	t.Run("two low scores are not enough", func(t *testing.T) {
		svc := New(0.7, 3, zap.NewNop())
		for i := 0; i < 2; i++ {
			svc.EvaluateResponse(response("gpt-4o", "error"), prompt)
		}
		assert.False(t, svc.ShouldSwitchModel("gpt-4o"))
	})

	t.Run("no history never switches", func(t *testing.T) {
		svc := New(0.7, 3, zap.NewNop())
		assert.False(t, svc.ShouldSwitchModel("fresh"))
	})
}

func TestClearHistory(t *testing.T) {
	svc := New(0.7, 3, zap.NewNop())
	prompt := request("say hi")

	svc.EvaluateResponse(response("a", goodAnswer), prompt)
	svc.EvaluateResponse(response("b", goodAnswer), prompt)

	t.Run("clears one model", func(t *testing.T) {
		svc.ClearHistory("a")
		assert.Empty(t, svc.QualityHistory("a"))
		assert.NotEmpty(t, svc.QualityHistory("b"))
	})

	t.Run("clears everything", func(t *testing.T) {
		svc.ClearHistory("")
		assert.Empty(t, svc.QualityHistory("b"))
	})
}

func TestEvaluationScoresStayInRange(t *testing.T) {
	svc := New(0.7, 3, zap.NewNop())
	samples := []string{
		"",
		"ok",
		goodAnswer,
		strings.Repeat("loop ", 100),
		"I cannot do that...",
	}
	for _, sample := range samples {
		eval := svc.EvaluateResponse(response("m", sample), request("test the scoring bounds"))
		assert.GreaterOrEqual(t, eval.OverallScore, 0.0)
		assert.LessOrEqual(t, eval.OverallScore, 1.0)
	}
}
