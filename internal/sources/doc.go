// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sources resolves display titles for cited source URLs. The
// backend streams citations as bare URLs; the titles service maps a
// document identifier (the URL's last path segment) to a human-readable
// title. Enrichment is best-effort: a failed lookup leaves the URL as-is.
package sources
