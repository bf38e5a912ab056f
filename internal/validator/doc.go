// Package validator проверяет результат успешной обработки, прежде
// чем run будет объявлен done: chunks сырого артефакта, end run
// в реестре, покрытие по времени и наличие зарегистрированных
// артефактов на диске.
package validator
