// Package supervisor — запуск и надзор за compute job: передача
// спецификации через JSON-файл, опрос с heartbeat, фатальные условия
// и эскалация убийства SIGTERM -> SIGKILL.
package supervisor
