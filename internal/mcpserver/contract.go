package mcpserver

// AnnotationContract describes the cross-reference annotation format that
// LLM consumers should follow when creating or editing tracked files.
const AnnotationContract = `# Custodian Annotation Contract

Custodian tracks every managed file in a registry. Dependencies between
files are declared inside the content with annotations; the registry keeps
them in sync and rewrites them when a referenced file moves.

## Syntax

` + "```" + `
@ref(/path/to/target.txt)
@ref[kind](/path/to/target.txt)
@ref[kind:weight](/path/to/target.txt)
@ref[:weight](/path/to/target.txt)
` + "```" + `

## Rules

1. **Targets are workspace paths** anchored at the root with forward slashes,
   e.g. ` + "`" + `/docs/setup.txt` + "`" + `. Relative segments are cleaned.
2. **Kind** is optional and defaults to ` + "`" + `depends-on` + "`" + `. It starts with a letter
   and may contain letters, digits, ` + "`" + `-` + "`" + ` and ` + "`" + `_` + "`" + `.
3. **Weight** is optional, advisory and clamped to [0,1]. It defaults to 1.
4. **Self references** are ignored.
5. **Moves are handled for you.** When a referenced file is renamed the
   annotations pointing at it are rewritten; the kind and weight survive.
6. **Deletes are guarded.** A file that active files still reference cannot
   be deleted without ` + "`" + `force` + "`" + `.

## Workflow

- Call ` + "`" + `check_conflict` + "`" + ` before ` + "`" + `create_file` + "`" + `: a ` + "`" + `similar-file-found` + "`" + ` status
  lists near-duplicates with the same purpose that may already serve the need.
- Pass the digest returned by ` + "`" + `read_file` + "`" + ` as ` + "`" + `expected_digest` + "`" + ` to ` + "`" + `edit_file` + "`" + `
  so a concurrent change is reported as a conflict instead of overwritten.
- Every edit and delete is backed up first; ` + "`" + `file_history` + "`" + ` and
  ` + "`" + `restore_file` + "`" + ` give access to earlier versions.

## Example

` + "```" + `
Deployment runbook.

Requires the environment described in @ref[requires](/ops/env.txt) and
borrows a few steps from @ref[see-also:0.3](/ops/legacy-runbook.txt).
` + "```" + `
`
