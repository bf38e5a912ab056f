// Package mq — публикация событий жизненного цикла runs в RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением (reconnect, graceful shutdown)
//   - topology.go   — объявление exchange, queues, bindings
//   - publisher.go  — публикация событий
//
// События:
//   - run.claimed   — run захвачен экземпляром
//   - run.done      — обработка успешно завершена (сигнал выгрузке)
//   - run.failed    — обработка упала, будет retry
//   - run.abandoned — run брошен терминально
//
// Очередь событий — дополнение к реестру, не замена: координация
// экземпляров идёт только через реестр, события нужны внешним
// потребителям.
package mq
