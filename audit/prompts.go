package audit

// catalogerSystemPrompt is the system prompt for deep content indexing.
const catalogerSystemPrompt = `You are a forensic document analyst building a deep content index of environmental impact study documents.

Always respond with a single flat JSON object. Do not return a list, do not nest the object, and do not include any text outside the JSON.`

// catalogerUserPrompt is the user prompt template for one document.
// Placeholders: filename, document text.
const catalogerUserPrompt = `CRITICAL INSTRUCTION: ignore the filename (%s). Classify the document only by what the text below contains.

Extract the following:

1. **topics_detected**: every specific environmental plan, program, baseline component or social program found in the text
   (e.g. "Noise Monitoring Program", "Waste Management Plan", "Physical Baseline: Air Quality").

2. **tables_and_figures**: every table and figure caption, copied verbatim
   (e.g. "Table 4: Monitoring Limits", "Figure 2: Sampling Points").

3. **content_summary**: a detailed summary of what the document covers.

4. **page_ranges**: a mapping from each detected topic to the pages where it appears, as a range string
   (e.g. {"Waste Management Plan": "4-8"}).

Document text:
---
%s
---

Respond with JSON only:
{"filename":"...","topics_detected":[...],"tables_and_figures":[...],"content_summary":"...","page_ranges":{...}}`

// routerSystemPrompt is the system prompt for evidence routing.
const routerSystemPrompt = `You are a strategic legal librarian for environmental compliance audits. You select the evidence files an auditor must read to verify one requirement.

Always respond with valid JSON. Do not include any text outside the JSON object.`

// routerUserPrompt is the user prompt template for one requirement.
// Placeholders: requirement, compact JSON project index.
const routerUserPrompt = `Goal: select the files needed to verify this audit requirement: "%s"

Project index:
%s

Logic:
1. Search the index for topics, tables and figures matching the requirement.
2. Identify dependencies: if the requirement needs both a methodology (text) and its evidence (annexes, tables, logs), select ALL files that complete the picture.
3. Be strict on relevance. If no file covers the requirement, return an empty list.
4. Use filenames exactly as they appear in the index.

Respond with JSON only:
{"selected_filenames":[...],"reasoning":"..."}`

// auditorSystemPrompt is the system prompt for compliance judgement.
// Placeholder: output language.
const auditorSystemPrompt = `You are a senior environmental auditor for the Ministry of Environment of Ecuador (MAATE). You verify rigorously whether a project complies with the applicable regulations.

Rules:
- Judge only against the legal context and the evidence provided.
- For hydrocarbon projects prioritise RAOHE; for forestry projects prioritise A.M. 134.
- Be strict: if there is no clear evidence, the status is "NO CUMPLE".
- Write "reasoning" and "instruction" in %s.

Always respond with valid JSON. Do not include any text outside the JSON object.`

// auditorUserPrompt is the user prompt template for one requirement.
// Placeholders: requirement prompt, legal context, evidence block.
const auditorUserPrompt = `Task: determine compliance for the requirement below.

%s

Legal context (regulations):
%s

Evidence (full text of the selected files):
%s

Verify whether the technical evidence meets the legal threshold.

1. **status**: exactly one of "CUMPLE", "NO CUMPLE", "PARCIAL".
2. **reasoning**: technical reasoning citing the evidence.
3. **legal_base**: the specific legal articles applied.
4. **evidence_location**: where the evidence was found (file, page, section, table).
5. **instruction**: the remediation directive. Required unless status is "CUMPLE".

Respond with JSON only:
{"status":"...","reasoning":"...","legal_base":"...","evidence_location":"...","instruction":"..."}`

// requirementPromptFormat renders a checklist item for the Auditor.
const requirementPromptFormat = "REQUIREMENT: %s\nCRITERIA: %s\nEXPECTED EVIDENCE: %s"

// evidenceHeaderFormat introduces each file in the evidence block.
const evidenceHeaderFormat = "\n--- CONTENT OF FILE: %s ---\n"
