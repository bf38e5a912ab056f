// Package cli — команды kiln: непрерывный цикл loop и одноразовые
// операторские команды process / fail / abandon. Здесь же сборка
// экземпляра со всеми зависимостями.
package cli
