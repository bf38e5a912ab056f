// Package registry — доступ к общему реестру runs.
//
// Реестр — единственная точка координации между хостами: и claim,
// и heartbeat мутируются одиночными атомарными условными обновлениями,
// никаких межэкземплярных сообщений и многодокументных транзакций.
// Схема таблиц — в schema.sql.
package registry
