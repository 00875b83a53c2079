// Package maintenance runs periodic housekeeping over the job store.
//
// Its single job prunes FINISHED timelapse records older than a retention
// period, optionally compacting the store afterwards (drivers that
// support it expose a Vacuum method). Runs are triggered by a cron
// schedule; the schedule string also accepts plain durations ("24h") and
// HH:MM intervals ("02:30") for operators who don't think in crontab.
package maintenance
