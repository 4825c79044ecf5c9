package envior

import (
	"os"

	logutil "github.com/thinkermao/replog/utils/log"
)

// logFileEnv names a file that receives the debug log of simulations.
const logFileEnv = "REPLOG_SIMU_LOG"

func init() {
	file := os.Getenv(logFileEnv)
	if file == "" {
		logutil.Discard()
		return
	}
	if _, err := logutil.Setup(logutil.Options{Level: "debug", File: file}); err != nil {
		panic(err)
	}
}
