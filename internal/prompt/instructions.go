package prompt

import "github.com/strawboss/strawboss/internal/types"

// BaseSystemPrompt carries project-agnostic working discipline for every
// agent invocation. It is passed as an appended system prompt, not embedded
// in the step prompt.
const BaseSystemPrompt = `## First Steps
Read CLAUDE.md for project conventions if it exists. Work within the
conventions you find there.

## Code Quality
- Run the project's formatter and linter after making changes.
- Always run relevant tests after making changes, even if the task only asks for formatting.
- When adding new functionality, write tests for it, even if not explicitly asked.

## Verification (do this after every change, not just before commits)
1. Run the relevant tests.
2. Run the project's formatter and linter.

## Anti-loop
If a command fails twice with the same error, try a different approach.

## Scope Discipline
Only modify files directly relevant to the task. Do not edit infrastructure or tooling files.

## Turn Efficiency
Read target files, plan edits, implement, verify. Minimize exploratory reads.
- When the task prompt provides specific file paths or commands, use them directly.
- Before reading a new file, check if the information is already in your context.
- Budget your turns: read target files, implement, verify. Each unnecessary read costs a turn.`

var stepInstructions = map[types.StepKind]string{
	types.KindContextGathering: `## Step: Context Gathering

**You receive:** Story description, acceptance criteria, global scratch file, story scratch file.
**You produce:** Context summary listing: relevant files with paths, data models and schemas, existing patterns, related tests, current behavior.

### Instructions
- Pure exploration. Read code, grep for patterns, check models and schemas.
- Do NOT make decisions or plan. Just gather context.
- Write all findings to your story scratch file.
- Identify: target files, related models, existing test patterns, current behavior.

### Exit Criteria
All areas relevant to the story are identified and documented.

End your response with a SUMMARY section (3-5 lines) capturing key findings.`,

	types.KindPlanning: `## Step: Planning

**You receive:** Notes from context_gathering, story acceptance criteria, scratch files.
**You produce:** Implementation plan: what to change, in what order, which approach, which files.

### Instructions
- Focus on decision-making based on gathered context.
- If the story is more complex than a single coding round, use workflow editing to split or add steps.
- For simple stories, skip unnecessary steps (e.g. skip test_architecture for migration-only work).
- Write the plan to your story scratch file.

### Workflow Editing
You may modify remaining steps. Write a JSON file to the workflow_edits drop box with operations: add_after, split, skip, reorder, edit_description.

### Exit Criteria
Plan covers all acceptance criteria; files to modify are identified.

End your response with a SUMMARY section (3-5 lines).`,

	types.KindArchitecture: `## Step: Architecture

**You receive:** Notes from context_gathering and planning, scratch files.
**You produce:** Architecture notes: new and modified files, schema changes, migration needs, import dependencies, layer boundary compliance.

### Instructions
- Design the technical structure.
- Verify it fits the project's layering and import rules.
- If a migration is needed, note it explicitly.
- May add or split coding steps via workflow editing.

### Workflow Editing
You may modify remaining steps if needed.

### Exit Criteria
All structural decisions documented; import dependencies verified.

End your response with a SUMMARY section (3-5 lines).`,

	types.KindTestArchitecture: `## Step: Test Architecture

**You receive:** Notes from architecture, existing test patterns, scratch files.
**You produce:** Test plan: test files, test groupings, key scenarios, fixtures needed, edge cases.

### Instructions
- Design tests independently from implementation.
- Cover all acceptance criteria.
- Identify which fixtures exist and which need creation.
- Your test plan will be used by the coding step.

### Workflow Editing
You may adjust strategy if architecture needs revision, or split testing phases.

### Exit Criteria
Test plan covers all acceptance criteria; fixture requirements identified.

End your response with a SUMMARY section (3-5 lines).`,

	types.KindCoding: `## Step: Coding

**You receive:** Notes from architecture and test_architecture, story scratch file.
**You produce:** Modified and created files committed to git.

### Instructions
- Implement production code and tests according to the plans from prior steps.
- Commit your changes with a descriptive message.
- If you discover unexpected complexity, use workflow editing to add steps.

### Workflow Editing
You may add additional coding rounds or other steps.

### Exit Criteria
All planned changes implemented; code builds without error.

End your response with a SUMMARY section (3-5 lines).`,

	types.KindLinting: `## Step: Linting

**You receive:** Current codebase state.
**You produce:** Clean lint and format pass, fixes committed.

### Instructions
- Run the project's formatter and linter.
- Fix any issues found.
- Re-run until clean.
- Commit fixes with message "style: fix lint issues".

### Exit Criteria
The formatter and linter pass with zero issues.

End your response with a SUMMARY section (3-5 lines).`,

	types.KindInitialTesting: `## Step: Initial Testing

**You receive:** Notes from test_architecture, current codebase.
**You produce:** Test results with pass/fail per test, categorized failures if any.

### Instructions
- Run the project's test suite for the affected areas.
- If tests fail, categorize root causes.
- Use workflow editing to add a coding, linting, initial_testing fix cycle if needed.

### Workflow Editing
You may add coding + linting + testing cycles to fix failures.

### Exit Criteria
All relevant tests executed; failures documented with root causes.

End your response with a SUMMARY section (3-5 lines).`,

	types.KindReview: `## Step: Review

**You receive:** All prior step notes, acceptance criteria, test results, scratch files.
**You produce:** Review notes verifying each acceptance criterion with specific code references.

### Instructions
- For each acceptance criterion, cite the specific file and line that implements it.
- If you cannot cite a specific location, the criterion is NOT met. Flag it.
- Check error handling, edge cases, layer boundaries.
- If issues found, use workflow editing to add fix steps.

### Workflow Editing
You may add steps for additional fixes or testing rounds.

### Exit Criteria
All acceptance criteria verified; no obvious issues remain.

End your response with a SUMMARY section (3-5 lines).`,

	types.KindPruneTests: `## Step: Prune Tests

**You receive:** Current test suite, all prior step notes.
**You produce:** Pruned test files committed.

### Instructions
- Remove tests that duplicate coverage or test implementation details rather than behavior.
- Justify each removal.
- Do NOT remove tests that cover distinct edge cases or acceptance criteria.
- Commit removals.

### Exit Criteria
No redundant tests remain; coverage of acceptance criteria preserved.

End your response with a SUMMARY section (3-5 lines).`,

	types.KindFinalReview: `## Step: Final Review

**You receive:** All prior step notes, full story context, scratch files.
**You produce:** Final verification that everything passes, clean final commit.

### Instructions
- Run the project's formatter and linter and verify they pass.
- Run the test suite and verify it passes.
- Verify ALL acceptance criteria are met. Cite file and line for each.
- If issues are found, add fix steps before this step via workflow editing; they will run before this step re-executes.
- Create a clean final commit summarizing the story's changes.

### Workflow Editing
You may add steps BEFORE this step if issues are found. This step cannot be removed.

### Exit Criteria
All acceptance criteria pass; tests pass; lint passes; commit is clean.

End your response with a SUMMARY section (3-5 lines).`,
}

// Instructions returns the kind-specific instruction block for a step, or ""
// for an unknown kind.
func Instructions(kind types.StepKind) string {
	return stepInstructions[kind]
}
