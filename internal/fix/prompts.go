package fix

// fixPrompt is the fixed instruction bound to every fix invocation. The
// agent's reasoning is its own; this only states the goal and the finish
// conditions.
const fixPrompt = `The project in the workspace has a failing test suite.

Diagnose the failures and fix them:
1. Run the tests to see what is failing.
2. Read the relevant source and test files to understand the cause.
3. Apply the smallest change that makes the suite pass. Fix the code, not
   the tests, unless a test itself is clearly wrong.
4. Run the tests again to confirm everything passes.

When the suite is green, finish with the repaired workspace and a short
summary listing each change you made and why.`
