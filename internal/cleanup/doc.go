// Package cleanup — сбои и разгребание мусора: перевод runs в failed
// с экспоненциальным backoff, терминальный abandon и периодический
// sweep застрявших состояний, противоречивых done и протухших
// heartbeat-записей.
package cleanup
