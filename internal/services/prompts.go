package services

import (
	"fmt"
	"strings"

	"knowledgeroute/internal/models"
)

// ClassificationSystemPrompt instructs the model to answer in two stages
const ClassificationSystemPrompt = `You are the routing system of a personal knowledge base. The user keeps knowledge in topical islands. Decide which island the submitted content belongs to.

ANSWER IN TWO STAGES, in this exact order, as a single JSON object:
1. "immediateResponse": a fast decision
   - "category": the exact name of ONE island from the list
   - "confidence": number between 0 and 1
   - "reasoning": one sentence
   - "summary": one sentence describing the content
2. "deepAnalysis": a considered analysis
   - "contentType": text, link, image, audio, video or mixed
   - "chiefAnalysis": 2-3 sentences on what the content is and why it matters to the user
   - "summary": a concise summary of the content
   - "keyTopics": array of short topic strings
   - "targetAgents": array of island names that should see this content, best match first

RULES:
- Emit "immediateResponse" first and "deepAnalysis" second
- Only use island names from the list
- Return JSON only, no prose

FORMAT:
{"immediateResponse":{...},"deepAnalysis":{...}}`

// RelevanceSystemPrompt instructs the model to judge content for one island
const RelevanceSystemPrompt = `You evaluate whether a piece of content belongs in a specific knowledge island and prepare it for storage.

Return JSON with:
- "relevanceScore": 0-1, how well the content fits the island
- "confidence": 0-1, how sure you are
- "shouldStore": true or false
- "reasoning": one or two sentences
- "suggestedTags": array of short lowercase tags
- "keyInsights": array of the key points worth remembering
- "suggestedTitle": a short title (max 8 words)
- "detailedSummary": 2-4 sentences
- "sentiment": positive, neutral or negative
- "importanceScore": integer 1-10
- "actionableAdvice": one practical next step, or empty

Return JSON only.`

// BuildClassificationPrompt renders the prompt for one submission against the user's islands
func BuildClassificationPrompt(sub *models.Submission, islands []models.AgentProfile, links []LinkSummary, attachmentCount int) string {
	var islandList strings.Builder
	for _, island := range islands {
		islandList.WriteString("- ")
		islandList.WriteString(island.Description())
		islandList.WriteString("\n")
	}
	if len(islands) == 0 {
		islandList.WriteString("- (no islands yet; suggest a short generic category name)\n")
	}

	var extra strings.Builder
	for _, l := range links {
		fmt.Fprintf(&extra, "\nLINK %s\nTitle: %s\nExcerpt: %s\n", l.URL, l.Title, l.Excerpt)
	}
	if attachmentCount > 0 {
		fmt.Fprintf(&extra, "\n%d media attachment(s) are included with this message.\n", attachmentCount)
	}

	return fmt.Sprintf(`%s

ISLANDS:
%s
CONTENT TYPE: %s

CONTENT:
%s
%s`, ClassificationSystemPrompt, islandList.String(), sub.DetectContentType(), contentOrPlaceholder(sub.Content), extra.String())
}

// BuildRelevancePrompt renders the prompt that evaluates a distribution for one island
func BuildRelevancePrompt(agent *models.AgentProfile, dist *models.Distribution) string {
	return fmt.Sprintf(`%s

ISLAND:
%s

CONTENT TYPE: %s

CONTENT:
%s

PRIOR ANALYSIS:
%s`, RelevanceSystemPrompt, agent.Description(), dist.ContentType, contentOrPlaceholder(dist.Content), priorAnalysis(dist))
}

func priorAnalysis(dist *models.Distribution) string {
	var parts []string
	if dist.ChiefAnalysis != "" {
		parts = append(parts, dist.ChiefAnalysis)
	}
	if dist.Summary != "" {
		parts = append(parts, "Summary: "+dist.Summary)
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, "\n")
}

func contentOrPlaceholder(content string) string {
	if strings.TrimSpace(content) == "" {
		return "(no text, see attachments)"
	}
	return content
}
