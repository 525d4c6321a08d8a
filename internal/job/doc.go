// Package job loads and validates job definitions.
//
// A source looks like:
//
//	output: stdout
//	jobs:
//	  - name: backup
//	    run: "tar czf /tmp/backup.tgz ./data"
//	    shell: true
//	    cron: "at 2:30 am on weekdays"
//	    tags: [maintenance]
//	  - name: report
//	    run: "send_report period:daily"
//	    cron: "0 0 8 * * * *"
//	    output: silent
//
// Without shell: true, run is a registered task name followed by key:value
// variables.
package job
