// Package domain — модель данных реестра runs.
//
// Содержит записи run и heartbeat, вложенную запись оркестрации
// и перечисления состояний. Мутации выполняются только через
// internal/registry.
package domain
