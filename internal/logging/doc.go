// Package logging provides file-based logging with rotation for the code
// indexer. The CLI always writes JSON logs at info level to
// ~/.codeindexer/logs/server.log; the --debug flag lowers the level to
// debug and also copies log output to stderr.
package logging
