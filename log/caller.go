package log

import (
	"strconv"
	"strings"
)

type callerInfo struct {
	file     string
	function string
	line     int
	str      string
}

var _UnknownCallerInfo = newCallerInfo("???", "???", 0)

func newCallerInfo(file, function string, line int) *callerInfo {
	return &callerInfo{
		file:     file,
		function: function,
		line:     line,
		str:      file + ":" + strconv.Itoa(line) + " " + function,
	}
}

func (c *callerInfo) String() string {
	return c.str
}

// LevelChangeEntry overrides the level of the log statements at one source
// location. A zero LineNum matches the whole file.
type LevelChangeEntry struct {
	FileName string `mapstructure:"file"`
	LineNum  int    `mapstructure:"line"`
	LogLevel int    `mapstructure:"level"`
}

type levelChange struct {
	byLine map[string]Level
	byFile map[string]Level
}

func newLevelChange(entries []LevelChangeEntry) *levelChange {
	lc := &levelChange{
		byLine: make(map[string]Level),
		byFile: make(map[string]Level),
	}
	for _, e := range entries {
		if e.LineNum == 0 {
			lc.byFile[e.FileName] = Level(e.LogLevel)
			continue
		}
		lc.byLine[lineKey(e.FileName, e.LineNum)] = Level(e.LogLevel)
	}
	return lc
}

func lineKey(file string, line int) string {
	return file + ":" + strconv.Itoa(line)
}

func (lc *levelChange) Empty() bool {
	return lc == nil || (len(lc.byLine) == 0 && len(lc.byFile) == 0)
}

// GetLevel returns the effective level for a statement at file:line logging
// at level. file is the shortened "dir/file.go" form; entries may name either
// that or the bare file name.
func (lc *levelChange) GetLevel(file string, line int, level Level) Level {
	if lc.Empty() {
		return level
	}
	base := file
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		base = file[i+1:]
	}
	for _, f := range [2]string{file, base} {
		if lv, ok := lc.byLine[lineKey(f, line)]; ok {
			return lv
		}
		if lv, ok := lc.byFile[f]; ok {
			return lv
		}
	}
	return level
}
