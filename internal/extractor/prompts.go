package extractor

const extractPrompt = `
You are a personal reminder assistant.

Convert the user message into a reminder.

STRICT RULES:
- Output ONLY valid JSON
- Datetime must be ISO 8601
- Datetime must include timezone (%s)
- No explanation text

Current datetime: %s

User message:
%s

Return JSON exactly like:
{
  "intent": "CREATE_REMINDER",
  "task": "<short task>",
  "datetime": "<ISO datetime with timezone>",
  "type": "one_time"
}
`

const recallPrompt = `
You are a personal reminder assistant.

The user is asking a question based on past conversation history.

Conversation history:
%s

User question:
%s

RULES:
- Answer naturally
- Be concise
- Use only the given history
`
