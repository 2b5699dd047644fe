package domain

// DefaultModel is the speech-to-text model used when a request names none.
const DefaultModel = "small"

// DefaultSummaryPrompt is sent to the summarizer when a request carries
// no prompt override.
const DefaultSummaryPrompt = `Summarize this video transcript. Structure the summary as:

## Overview
One paragraph describing what the video is about.

## Key Points
A bulleted list of the main ideas, in the order they appear.

## Notable Details
Specific numbers, names, examples or quotes worth remembering.

## Takeaways
What a viewer should remember or act on.

Be concise. Do not invent content that is not in the transcript.`
