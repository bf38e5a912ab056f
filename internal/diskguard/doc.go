// Package diskguard блокирует захват новой работы, когда локальный
// диск критически полон, и убивает экземпляр, если диск не
// освобождается слишком долго.
package diskguard
