// Package schedule turns schedule text into something that can compute fire times.
//
// Accepted forms:
//   - 7-field cron: "sec min hour dom month dow year" (e.g. "*/15 * * * * * *")
//   - 6-field cron (no year) and classic 5-field cron (second fixed at 0)
//   - descriptors: "@hourly", "@daily", "@every 90s", ...
//   - a small English grammar: "every 15 seconds", "at 10:30 pm on weekdays",
//     "every 5 minutes monday through friday", "on sunday in december"
//
// Every parsed value implements robfig/cron's Schedule interface, so it can be
// handed to anything that expects a cron.Schedule.
package schedule
