package scoring

import "strings"

// ジャッジへのプロンプト。構造化ブロック以外の前置きが混ざっても
// パース側（ExtractJSONBlock）が吸収する前提
const answerScoringPrompt = `
You evaluate quiz answers. Compare the participant's answer with the reference answer and return a JSON object with two fields:
{
  "score": <integer from 0 to 10>,
  "feedback": "<short russian explanation>"
}

Guidelines:
- Base the decision on semantic similarity, correctness, and completeness.
- If the participant is completely wrong or off-topic, score 0-2.
- Partial correctness or vague answers should be 3-6.
- Accurate and well phrased answers score 7-10.
- Always respond with valid JSON and nothing else.

Question: "{{question}}"
Reference answer: "{{reference}}"
Participant answer: "{{answer}}"
`

const nicknameModerationPrompt = `
You are a strict content safety reviewer for a live event game.

Task:
- Evaluate the provided nickname and classify whether it is safe to display publicly.
- Consider profanity, hate speech, harassment, sexual content, personal data, or anything disruptive.
- If the nickname is acceptable for a family-friendly audience, respond with "OK".
- If it violates the policy, respond with "REJECT" followed by a short reason in Russian.

Nickname: "{{nickname}}"
`

func renderScoringPrompt(question, reference, answer string) string {
	return strings.NewReplacer(
		"{{question}}", question,
		"{{reference}}", reference,
		"{{answer}}", answer,
	).Replace(answerScoringPrompt)
}

func renderModerationPrompt(nickname string) string {
	return strings.ReplaceAll(nicknameModerationPrompt, "{{nickname}}", nickname)
}
