// Package liveness — жизненный статус экземпляров оркестратора:
// публикация heartbeat-записей, проверка живости хостов и
// гарантия единственного экземпляра на хост.
package liveness
