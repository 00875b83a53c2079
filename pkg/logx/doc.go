// Package logx is lapse's thin logging layer over zerolog.
//
// Components hold a logx.Logger rather than a zerolog.Logger so the
// daemon can swap sinks at runtime (Service.Apply) without handing out
// new handles. The console sink stays human-readable with a short
// timestamp and caller; the file sink is line-delimited JSON.
package logx
