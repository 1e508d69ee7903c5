package retrieval

// DefaultEntries is the built-in knowledge base of parameterized bash
// equivalents for common source commands.
func DefaultEntries() []Entry {
	return []Entry{
		{
			ID: "list-processes", Title: "Get-Process list processes",
			Pattern: `ps -eo pid,comm`, Tags: []string{"process", "ps"}, Risk: 0,
		},
		{
			ID: "list-directory", Title: "Get-ChildItem list directory contents",
			Pattern: `ls -la -- "$dir"`, Tags: []string{"filesystem", "ls", "dir"}, Risk: 0,
		},
		{
			ID: "read-file", Title: "Get-Content read file",
			Pattern: `cat -- "$path"`, Tags: []string{"filesystem", "cat", "type"}, Risk: 0,
		},
		{
			ID: "copy-file", Title: "Copy-Item copy file path destination",
			Pattern: `cp -- "$src" "$dst"`, Tags: []string{"filesystem", "cp", "copy"}, Risk: 0.5,
		},
		{
			ID: "move-file", Title: "Move-Item move rename file path destination",
			Pattern: `mv -- "$src" "$dst"`, Tags: []string{"filesystem", "mv", "move"}, Risk: 0.5,
		},
		{
			ID: "remove-file", Title: "Remove-Item delete file path",
			Pattern: `rm -f -- "$path"`, Tags: []string{"filesystem", "rm", "delete"}, Risk: 1,
		},
		{
			ID: "create-directory", Title: "New-Item directory create folder path",
			Pattern: `mkdir -p -- "$dir"`, Tags: []string{"filesystem", "mkdir"}, Risk: 0.25,
		},
		{
			ID: "search-text", Title: "Select-String search pattern in file",
			Pattern: `grep -F -- "$pattern" "$path"`, Tags: []string{"grep", "search", "findstr"}, Risk: 0,
		},
		{
			ID: "write-output", Title: "Write-Output write host echo text",
			Pattern: `printf '%s\n' "$message"`, Tags: []string{"echo", "output"}, Risk: 0,
		},
		{
			ID: "stop-process", Title: "Stop-Process kill process by id",
			Pattern: `kill -- "$pid"`, Tags: []string{"process", "kill"}, Risk: 1,
		},
		{
			ID: "environment-variable", Title: "Get-ChildItem env environment variable",
			Pattern: `printenv -- "$name"`, Tags: []string{"env", "variable"}, Risk: 0.5,
		},
		{
			ID: "computer-info", Title: "Get-ComputerInfo hostname system information",
			Pattern: `uname -a`, Tags: []string{"system", "hostname", "uname"}, Risk: 0,
		},
		{
			ID: "disk-usage", Title: "Get-PSDrive disk usage free space",
			Pattern: `df -h -- "$dir"`, Tags: []string{"disk", "df", "du"}, Risk: 0,
		},
		{
			ID: "sort-lines", Title: "Sort-Object sort lines of a file",
			Pattern: `sort -- "$path"`, Tags: []string{"sort"}, Risk: 0,
		},
	}
}
