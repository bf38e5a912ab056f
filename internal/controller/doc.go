// Package controller — управляющий цикл оркестратора: захват runs из
// реестра, конвейер обработки (план targets -> ресурсы -> supervision
// -> валидация), interleaved cleanup, disk guard и фоновое удаление
// live-данных. Плюс одноразовые операторские команды process / fail /
// abandon.
package controller
