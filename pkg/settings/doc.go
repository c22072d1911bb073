// Package settings serves application settings from the app_settings
// table through a short-lived in-process cache.
//
// Settings change rarely but are read on every chat turn, so reads go
// through a 30 second cache with single-flight loading. Writes
// invalidate the cache immediately for the writing process; other
// processes converge within the cache window.
package settings
