// Package infer выводит план обработки захваченного run: какие targets
// производить и с какими ресурсами запускать compute job. Targets
// зависят от режима набора данных, активных детекторов и истории
// сбоев; ресурсы — от скорости данных, яруса оборудования хоста и
// тоже от истории сбоев.
package infer
