// Package preflight provides readiness checks for the filesystem paths and
// endpoints cloudsync depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and refuses to start when a required
//     check fails.
//   - The CLI "cloudsync doctor" command prints every result.
//
// Optional integrations (the local provider root, ntfy) are only checked when
// configured.
package preflight
